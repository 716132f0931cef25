package domain

import "fmt"

// AllocationResult is the terminal outcome of one allocation request. The
// numeric values of the business outcomes match the codes returned by the
// allocation script.
type AllocationResult int

const (
	AllocationAccepted          AllocationResult = 0
	AllocationInsufficientStock AllocationResult = 1
	AllocationDuplicateOrder    AllocationResult = 2
	AllocationNotStarted        AllocationResult = 3
	AllocationEnded             AllocationResult = 4
	AllocationInternalError     AllocationResult = -1
)

func (r AllocationResult) String() string {
	switch r {
	case AllocationAccepted:
		return "accepted"
	case AllocationInsufficientStock:
		return "insufficient_stock"
	case AllocationDuplicateOrder:
		return "duplicate_order"
	case AllocationNotStarted:
		return "not_started"
	case AllocationEnded:
		return "ended"
	case AllocationInternalError:
		return "internal_error"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// ParseAllocationCode maps a script return code to a business outcome. Any
// code outside the contract is reported as not ok.
func ParseAllocationCode(code int64) (AllocationResult, bool) {
	switch r := AllocationResult(code); r {
	case AllocationAccepted, AllocationInsufficientStock, AllocationDuplicateOrder,
		AllocationNotStarted, AllocationEnded:
		return r, true
	}
	return AllocationInternalError, false
}

type AllocationRequest struct {
	VoucherID          int64
	UserID             int64
	OrderID            int64
	RequestTimestampMs int64
	TraceCtx           map[string]string
}
