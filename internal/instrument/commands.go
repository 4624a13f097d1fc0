package instrument

import (
	"fmt"
	"strconv"
)

// Command vocabulary of the pressure controller.
const (
	CmdIdentify    = "*IDN?"
	CmdReset       = "*RST"
	CmdClear       = "*CLS"
	CmdMeasure     = ":MEAS:PRES?"
	CmdModeControl = ":OUTP:MODE CONT"
	CmdModeMeasure = ":OUTP:MODE MEAS"
	CmdModeVent    = ":OUTP:MODE VENT"
	CmdSystemError = ":SYST:ERR?"

	selectPrefix   = ":OUTP:CHAN "
	setpointPrefix = ":SOUR:PRES "
)

// channelAddresses maps channel ids to the instrument's logical channel letters.
var channelAddresses = map[int]string{
	1: "A",
	2: "B",
}

// Address returns the logical address of a channel id.
func Address(id int) (string, error) {
	if a, ok := channelAddresses[id]; ok {
		return a, nil
	}
	return "", fmt.Errorf("%w: %d", ErrInvalidChannel, id)
}

// SelectCommand builds the channel-select command for a logical address.
func SelectCommand(addr string) string {
	return selectPrefix + addr
}

// SetpointCommand builds the set-setpoint command with six decimals.
func SetpointCommand(v float64) string {
	return setpointPrefix + strconv.FormatFloat(v, 'f', 6, 64)
}
