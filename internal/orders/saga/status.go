package saga

import (
	"database/sql/driver"
	"fmt"
)

// Status is the closed set of states an order moves through. The strings
// returned by String are its only serialized form.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusPendingCustomerValidation
	StatusPendingInventoryReservation
	StatusPendingPayment
	StatusPendingShipping
	StatusCompleted
	StatusFailedCustomerValidation
	StatusFailedInventoryReservation
	StatusFailedPayment
	StatusFailedShipping
	StatusFailedUnexpectedError
	StatusFailedRolledBack
	StatusFailedRollbackActionManualIntervention
)

var statusNames = [...]string{
	StatusUnknown:                                "UNKNOWN",
	StatusPendingCustomerValidation:              "PENDING_CUSTOMER_VALIDATION",
	StatusPendingInventoryReservation:            "PENDING_INVENTORY_RESERVATION",
	StatusPendingPayment:                         "PENDING_PAYMENT",
	StatusPendingShipping:                        "PENDING_SHIPPING",
	StatusCompleted:                              "COMPLETED",
	StatusFailedCustomerValidation:               "FAILED_CUSTOMER_VALIDATION",
	StatusFailedInventoryReservation:             "FAILED_INVENTORY_RESERVATION",
	StatusFailedPayment:                          "FAILED_PAYMENT",
	StatusFailedShipping:                         "FAILED_SHIPPING",
	StatusFailedUnexpectedError:                  "FAILED_UNEXPECTED_ERROR",
	StatusFailedRolledBack:                       "FAILED_ROLLED_BACK",
	StatusFailedRollbackActionManualIntervention: "FAILED_ROLLBACK_ACTION_MANUAL_INTERVENTION",
}

var statusByName = func() map[string]Status {
	m := make(map[string]Status, len(statusNames))
	for i, name := range statusNames {
		m[name] = Status(i)
	}
	return m
}()

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// ParseStatus converts the serialized form back into a Status.
func ParseStatus(raw string) (Status, error) {
	s, ok := statusByName[raw]
	if !ok {
		return StatusUnknown, fmt.Errorf("unknown order status %q", raw)
	}
	return s, nil
}

// IsFailure reports whether the status is one of the Failed* values.
func (s Status) IsFailure() bool {
	return s >= StatusFailedCustomerValidation && s <= StatusFailedRollbackActionManualIntervention
}

// IsTerminal reports whether no further pipeline or rollback step follows.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailedRolledBack, StatusFailedRollbackActionManualIntervention:
		return true
	}
	return false
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value stores the status as its serialized name.
func (s Status) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan reads a status column.
func (s *Status) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	case nil:
		*s = StatusUnknown
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Status", src)
	}
}
