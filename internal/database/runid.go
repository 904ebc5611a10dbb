package database

import "strconv"

// RunID is the identifier of a CI workflow run, assigned by the CI system.
//
// GitHub transmits run ids as unsigned 64-bit integers, PostgreSQL bigint
// columns are signed. The value is stored reinterpreted as a signed 64-bit
// integer, ids above math.MaxInt64 map to negative column values. The round
// trip through RunIDFromInt64 and Int64 is lossless.
type RunID uint64

func RunIDFromInt64(val int64) RunID {
	return RunID(uint64(val))
}

func (r RunID) Int64() int64 {
	return int64(r)
}

func (r RunID) String() string {
	return strconv.FormatUint(uint64(r), 10)
}
