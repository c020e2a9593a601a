package canmap

import (
	"github.com/cockroachdb/errors"

	"oi-canmap/utils"
)

var (
	ErrInvalidID   = errors.New("can id out of range")
	ErrInvalidLen  = errors.New("field length must be 1..32 bits")
	ErrInvalidOfs  = errors.New("field does not fit the payload")
	ErrMaxMessages = errors.New("no free can id entry")
	ErrMaxItems    = errors.New("no free signal slot")

	// ErrNoValidBlob is returned by Load when the stored map fails its
	// checks. The tables in RAM are left untouched.
	ErrNoValidBlob = errors.New("no valid can map in memory")

	ErrNoMemory     = errors.New("can map has no memory attached")
	ErrUnknownParam = errors.New("unknown parameter")
)

// Result codes shared with SDO peers.
const (
	CodeInvalidID   = -1
	CodeInvalidOfs  = -2
	CodeInvalidLen  = -3
	CodeMaxMessages = -4
	CodeMaxItems    = -5

	// CodeOther is returned for errors outside the AddSend/AddRecv set.
	CodeOther = -6
)

// Code maps an error returned by AddSend or AddRecv onto its wire code.
// Any other error, ErrUnknownParam and ErrNoValidBlob included, yields
// CodeOther.
func Code(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidID):
		return CodeInvalidID
	case errors.Is(err, ErrInvalidOfs):
		return CodeInvalidOfs
	case errors.Is(err, ErrInvalidLen):
		return CodeInvalidLen
	case errors.Is(err, ErrMaxMessages):
		return CodeMaxMessages
	case errors.Is(err, ErrMaxItems):
		return CodeMaxItems
	default:
		return CodeOther
	}
}

func fieldError(err error) error {
	switch {
	case errors.Is(err, utils.ErrFieldLength):
		return ErrInvalidLen
	case errors.Is(err, utils.ErrFieldOffset):
		return ErrInvalidOfs
	}
	return err
}
