package events

import "fmt"

// DeviceCommand is an instruction sent to the sensor device.
type DeviceCommand int

const (
	CommandUpdateTemperature DeviceCommand = iota
	CommandRunLedTest
	CommandResetAlert
)

func (c DeviceCommand) String() string {
	switch c {
	case CommandUpdateTemperature:
		return "UpdateTemperature"
	case CommandRunLedTest:
		return "RunLedTest"
	case CommandResetAlert:
		return "ResetAlert"
	default:
		return fmt.Sprintf("DeviceCommand(%d)", int(c))
	}
}

// ParseDeviceCommand resolves a command by name.
func ParseDeviceCommand(name string) (DeviceCommand, error) {
	for _, c := range []DeviceCommand{CommandUpdateTemperature, CommandRunLedTest, CommandResetAlert} {
		if c.String() == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("relay: unknown device command %q", name)
}

// DeviceCommandEvent asks the device to perform Command.
type DeviceCommandEvent struct {
	Header
	Command    DeviceCommand `json:"command"`
	Parameters []string      `json:"parameters"`
}

// NewDeviceCommandEvent builds a locally originated command event.
func NewDeviceCommandEvent(command DeviceCommand, parameters ...string) *DeviceCommandEvent {
	if parameters == nil {
		parameters = []string{}
	}
	return &DeviceCommandEvent{Header: newHeader(), Command: command, Parameters: parameters}
}

func (*DeviceCommandEvent) Kind() Kind { return KindDeviceCommand }

func (*DeviceCommandEvent) sealed() {}
