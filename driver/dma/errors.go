package dma

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidParameters reports a transfer request that the
	// hardware cannot express: an empty or oversized buffer,
	// mismatched lengths, or unreachable memory. The hardware is
	// left untouched.
	ErrInvalidParameters = errors.New("dma: invalid parameters")
	// ErrConfiguration reports a descriptor chain that cannot be
	// built.
	ErrConfiguration = errors.New("dma: invalid configuration")
	// ErrAborted reports a transfer cancelled before completion.
	ErrAborted = errors.New("dma: transfer aborted")
	// ErrOverrun reports a circular buffer overwritten before
	// it was read.
	ErrOverrun = errors.New("dma: ring buffer overrun")
	// ErrBus matches every *BusError.
	ErrBus              = errors.New("dma: bus error")
	ErrChannelInUse     = errors.New("dma: channel in use")
	ErrInvalidChannel   = errors.New("dma: invalid channel")
	ErrNoChannel        = errors.New("dma: no available channel")
	errTransferInFlight = fmt.Errorf("%w: transfer in flight", ErrConfiguration)
)

// TransferError is a single cause recorded in a channel's
// error status register.
type TransferError uint8

const (
	DestinationBus TransferError = 1 << iota
	SourceBus
	ScatterGatherConfiguration
	CountConfiguration
	DestinationOffset
	DestinationAddress
	SourceOffset
	SourceAddress
)

func (e TransferError) String() string {
	switch e {
	case DestinationBus:
		return "destination bus error"
	case SourceBus:
		return "source bus error"
	case ScatterGatherConfiguration:
		return "scatter-gather configuration error"
	case CountConfiguration:
		return "NBYTES/CITER configuration error"
	case DestinationOffset:
		return "destination offset error"
	case DestinationAddress:
		return "destination address error"
	case SourceOffset:
		return "source offset error"
	case SourceAddress:
		return "source address error"
	default:
		return fmt.Sprintf("error(%#x)", uint8(e))
	}
}

// BusError is the error status a channel reported when a
// transfer failed in hardware.
type BusError struct {
	Channel int
	// Raw is the low byte of the channel's CH_ES register.
	Raw uint8
}

// Causes decodes the individual error causes.
func (e *BusError) Causes() []TransferError {
	var causes []TransferError
	for bit := TransferError(1); bit != 0; bit <<= 1 {
		if TransferError(e.Raw)&bit != 0 {
			causes = append(causes, bit)
		}
	}
	return causes
}

func (e *BusError) Error() string {
	var causes []string
	for _, c := range e.Causes() {
		causes = append(causes, c.String())
	}
	if len(causes) == 0 {
		causes = append(causes, "unknown cause")
	}
	return fmt.Sprintf("dma: channel %d: %s", e.Channel, strings.Join(causes, ", "))
}

func (e *BusError) Is(target error) bool {
	return target == ErrBus
}
