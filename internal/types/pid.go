package types

import "strconv"

type Pid uint32

func (p Pid) Uint32() uint32 {
	return uint32(p)
}

func (p Pid) Int() int {
	return int(p)
}

func (p Pid) String() string {
	return strconv.FormatUint(uint64(p), 10)
}
