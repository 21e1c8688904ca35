//go:build !fabricdebug

package fabric_errors

const assertions = false
