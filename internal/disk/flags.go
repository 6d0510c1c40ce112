package disk

import "os"

const (
	osRdwr             = os.O_RDWR
	osRdwrCreateTrunc  = os.O_RDWR | os.O_CREATE | os.O_TRUNC
)
