// internal/circulation/faults.go
package circulation

import "libracirc/internal/faults"

// The closed set of circulation faults. Messages are stable strings the
// boundary layer may surface verbatim; callers branch on identity via
// errors.Is or on faults.KindOf.
var (
	ErrBookNotFound        = faults.NotFound("book_not_found", "book not found")
	ErrLoanNotFound        = faults.NotFound("loan_not_found", "borrow record not found")
	ErrReservationNotFound = faults.NotFound("reservation_not_found", "reservation not found")

	ErrBookInactive = faults.PolicyViolation("book_inactive", "book is not available for circulation")

	ErrNoAvailableCopy = faults.PolicyViolation("no_available_copy",
		"no copies available for borrowing, reserve this book instead")
	ErrBorrowLimitExceeded = faults.PolicyViolation("borrow_limit_exceeded",
		"maximum borrowing limit reached")
	ErrOutstandingOverdue = faults.PolicyViolation("outstanding_overdue",
		"overdue books must be returned before borrowing new books")
	ErrReservationPriority = faults.PolicyViolation("reservation_priority",
		"this book is reserved by other patrons, reserve it to join the queue")
	ErrReservationLimitExceeded = faults.PolicyViolation("reservation_limit_exceeded",
		"maximum reservation limit reached")
	ErrCopyAvailable = faults.PolicyViolation("copy_available",
		"book is currently available, borrow it directly instead of reserving")

	ErrAlreadyBorrowed      = faults.Conflict("already_borrowed", "patron already has this book borrowed")
	ErrAlreadyReturned      = faults.Conflict("already_returned", "this book has already been returned")
	ErrDuplicateReservation = faults.Conflict("duplicate_reservation", "patron already has a pending reservation for this book")
	ErrReservationNotPending = faults.Conflict("reservation_not_pending", "only pending reservations can be cancelled")

	ErrNotLoanOwner        = faults.Forbidden("not_loan_owner", "patrons can only return their own borrowed books")
	ErrNotReservationOwner = faults.Forbidden("not_reservation_owner", "patrons can only cancel their own reservations")
)
