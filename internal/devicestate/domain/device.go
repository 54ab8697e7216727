package devicestate

import (
	"errors"
	"strings"
	"time"
)

// DeviceKey identifies an RVM by producer serial number and model type.
type DeviceKey struct {
	SerialNumber string
	Type         string
}

// Validate checks key invariants.
func (k DeviceKey) Validate() error {
	if strings.TrimSpace(k.SerialNumber) == "" {
		return errors.New("device key: empty serial number")
	}
	if strings.TrimSpace(k.Type) == "" {
		return errors.New("device key: empty type")
	}
	return nil
}

func (k DeviceKey) String() string {
	return k.SerialNumber + "#" + k.Type
}

// Location is where the machine is installed, as last reported by the producer.
type Location struct {
	CustomerID string
	Name       string
}

// IsZero reports whether no location field is set.
func (l Location) IsZero() bool {
	return l.CustomerID == "" && l.Name == ""
}

// Device is an RVM known to the platform.
type Device struct {
	ID        string
	Key       DeviceKey
	Location  Location
	CreatedAt time.Time
	UpdatedAt time.Time
}
