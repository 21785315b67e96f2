package acinfinity

import "fmt"

// Device types with a known model name.
const (
	TypeController67    = 1
	TypeAirtap          = 6
	TypeController69    = 7
	TypeController69Pro = 11
)

var modelNames = map[int]string{
	TypeController67:    "Controller 67",
	TypeAirtap:          "Airtap Series",
	TypeController69:    "Controller 69",
	TypeController69Pro: "Controller 69 Pro",
}

// ModelName returns the marketing name for a device type.
func ModelName(deviceType int) (string, error) {
	name, ok := modelNames[deviceType]
	if !ok {
		return "", fmt.Errorf("%w: type %d", ErrUnknownModel, deviceType)
	}
	return name, nil
}

// Capabilities describes which readings a device exposes.
type Capabilities struct {
	Humidity bool
	VPD      bool
}
