// Package prj declares the parameter list of the shunt monitoring node.
package prj

import "oi-canmap/params"

const Version = 0.1

// IDSumOffset seeds the id sum reported to peers.
const IDSumOffset = 0

const (
	onOff     = "0=Off, 1=On, 2=na"
	catSetup  = "General Setup"
	catShunt  = "ISA Shunt Control"
	catStatus = "Status"
)

// Attributes lists saveable parameters first and display values last.
// Next param id (increase when adding a parameter): 3
func Attributes() []params.Attributes {
	return []params.Attributes{
		params.Entry(catSetup, "canNodeId", "", 1, 127, 22, 1),
		params.Entry(catShunt, "isaInit", onOff, 0, 1, 0, 2),
		params.Value("version", "", 4),
		params.Value("isaCurrent", "A", 1100).WithTimeout(500),
		params.Value("isaVoltage1", "V", 1101).WithTimeout(500),
		params.Value("isaVoltage2", "V", 1102).WithTimeout(500),
		params.Value("isaVoltage3", "V", 1103).WithTimeout(500),
		params.Value("isaTemperature", "C", 1104).WithTimeout(500),
		params.Value("isaAh", "Ah", 1105),
		params.Value("isaKW", "kW", 1106),
		params.Value("isaKWh", "kWh", 1107),
		params.Value("BMS_Vmin", "V", 2084).WithTimeout(1000),
		params.Value("BMS_Vmax", "V", 2085).WithTimeout(1000),
		params.Value("BMS_Tmin", "C", 2086).WithTimeout(1000),
		params.Value("BMS_Tmax", "C", 2087).WithTimeout(1000),
	}
}

// NewRegistry builds the node registry with the version value filled in.
func NewRegistry(opts ...params.Option) (*params.Registry, error) {
	opts = append([]params.Option{params.WithIDSumOffset(IDSumOffset)}, opts...)
	reg, err := params.NewRegistry(Attributes(), opts...)
	if err != nil {
		return nil, err
	}
	reg.SetFloat(reg.NumFromString("version"), Version)
	return reg, nil
}

// Category groups uncategorised values under a status heading.
func Category(a params.Attributes) string {
	if a.Category == "" {
		return catStatus
	}
	return a.Category
}
