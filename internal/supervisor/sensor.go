package supervisor

import (
	"os"
	"strconv"
	"strings"
)

// Sensor returns the current temperature in degrees Celsius
type Sensor func() (float64, error)

// FileSensor reads a sysfs style thermal file. Values above 1000 are taken
// as millidegrees.
func FileSensor(path string) Sensor {
	return func() (float64, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			return 0, err
		}
		if v > 1000 {
			v /= 1000
		}
		return v, nil
	}
}
