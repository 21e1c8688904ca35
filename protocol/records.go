package protocol

// Records is a batch of serialized records. Batches go to the socket in one
// writev() via net.Buffers.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}
