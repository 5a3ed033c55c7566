package protocol

import (
	"fmt"
)

// Commands are UTF-8 text frames written to the dispenser's command
// characteristic. Replies arrive as unsolicited UTF-8 notifications on the
// same characteristic; the client does not parse their content.
const (
	CommandStatus          = "STATUS"
	CommandResetStatistics = "RESET"
)

// Compartments are numbered starting at 1.
const MaxCompartment = 28

// DispenseCommand encodes a dispense request for count pills from the given
// compartment.
func DispenseCommand(compartment, count int) (string, error) {
	if compartment < 1 || compartment > MaxCompartment {
		return "", fmt.Errorf("compartment %d out of range [1, %d]", compartment, MaxCompartment)
	}
	if count < 1 {
		return "", fmt.Errorf("dispense count must be positive, got %d", count)
	}
	return fmt.Sprintf("DISPENSE:%d:%d", compartment, count), nil
}
