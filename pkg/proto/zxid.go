package proto

// Zxid is a ZooKeeper transaction id: a 64-bit number whose high 32 bits
// hold the leadership epoch and whose low 32 bits hold a counter the leader
// increments per proposal. The client tracks the highest zxid it has seen
// and presents it when continuing a session so the server can reject a
// client that is ahead of it.
type Zxid int64

// Epoch returns the leadership epoch from the high 32 bits.
func (z Zxid) Epoch() int32 {
	return int32(z >> 32)
}

// Counter returns the per-epoch counter from the low 32 bits.
func (z Zxid) Counter() int32 {
	return int32(z & 0xFFFFFFFF)
}

// MakeZxid combines an epoch and counter into a single zxid.
func MakeZxid(epoch, counter int32) Zxid {
	return Zxid(int64(epoch)<<32 | int64(uint32(counter)))
}
