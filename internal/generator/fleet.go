package generator

import (
	"fmt"
	"strings"
)

// SensorType is the physical quantity a sensor measures.
type SensorType string

const (
	Temperature SensorType = "TEMPERATURE"
	Pressure    SensorType = "PRESSURE"
	Vibration   SensorType = "VIBRATION"
	FlowRate    SensorType = "FLOW_RATE"
)

// Platform describes one offshore installation.
type Platform struct {
	ID        string
	Name      string
	Type      string
	Region    string
	Latitude  float64
	Longitude float64
	Timezone  string
}

// Platforms lists every installation the generator knows about.
var Platforms = []Platform{
	{ID: "ALPHA", Name: "Alpha Station", Type: "Deep-water Drilling", Region: "Gulf of Mexico", Latitude: 28.5, Longitude: -88.5, Timezone: "America/Chicago"},
	{ID: "BRAVO", Name: "Bravo Platform", Type: "Production & Separation", Region: "North Sea", Latitude: 57.5, Longitude: 1.5, Timezone: "Europe/London"},
	{ID: "CHARLIE", Name: "Charlie FPSO", Type: "Floating Production", Region: "Santos Basin", Latitude: -25.0, Longitude: -43.0, Timezone: "America/Sao_Paulo"},
	{ID: "DELTA", Name: "Delta Jack-up", Type: "Shallow Water", Region: "Persian Gulf", Latitude: 26.5, Longitude: 51.5, Timezone: "Asia/Qatar"},
	{ID: "ECHO", Name: "Echo Semi-sub", Type: "Semi-submersible", Region: "Campos Basin", Latitude: -22.5, Longitude: -40.0, Timezone: "America/Sao_Paulo"},
}

// PlatformIDs returns the identifiers of Platforms in order.
func PlatformIDs() []string {
	ids := make([]string, len(Platforms))
	for i, p := range Platforms {
		ids[i] = p.ID
	}
	return ids
}

// LookupPlatform finds a platform by identifier, ignoring case.
func LookupPlatform(id string) (Platform, bool) {
	for _, p := range Platforms {
		if strings.EqualFold(p.ID, id) {
			return p, true
		}
	}
	return Platform{}, false
}

type equipmentTemplate struct {
	suffix string
	name   string
	kind   string
}

var equipmentTemplates = []equipmentTemplate{
	{"COMP", "Gas Compressor", "Compressor"},
	{"SEP", "Production Separator", "Separator"},
	{"PUMP-INJ", "Water Injection Pump", "Pump"},
	{"TURB", "Gas Turbine Generator", "Turbine"},
	{"HEX", "Heat Exchanger", "Heat Exchanger"},
	{"WH-01", "Wellhead Assembly A", "Wellhead"},
	{"WH-02", "Wellhead Assembly B", "Wellhead"},
	{"RISER", "Production Riser", "Riser"},
	{"BOP", "Blowout Preventer Stack", "BOP"},
	{"FLARE", "Flare & Vent System", "Flare"},
}

type sensorSpec struct {
	kind     SensorType
	unit     string
	min, max float64
	subtype  string
}

var sensorSpecs = map[string][]sensorSpec{
	"Compressor": {
		{Temperature, "degC", 50, 250, "discharge_temp"},
		{Pressure, "bar", 10, 80, "discharge_pressure"},
		{Vibration, "mm/s", 0, 25, "bearing_vibration"},
		{Temperature, "degC", 40, 120, "oil_temp"},
		{Pressure, "bar", 2, 10, "oil_pressure"},
	},
	"Separator": {
		{Pressure, "bar", 5, 50, "vessel_pressure"},
		{Temperature, "degC", 30, 150, "process_temp"},
		{FlowRate, "m3/h", 0, 500, "oil_outlet_flow"},
		{FlowRate, "m3/h", 0, 300, "water_outlet_flow"},
		{FlowRate, "m3/h", 0, 1000, "gas_outlet_flow"},
	},
	"Pump": {
		{Pressure, "bar", 50, 350, "discharge_pressure"},
		{Temperature, "degC", 30, 100, "bearing_temp"},
		{Vibration, "mm/s", 0, 20, "motor_vibration"},
		{FlowRate, "m3/h", 0, 200, "injection_flow"},
		{Pressure, "bar", 1, 10, "suction_pressure"},
	},
	"Turbine": {
		{Temperature, "degC", 200, 600, "exhaust_temp"},
		{Vibration, "mm/s", 0, 15, "shaft_vibration"},
		{Pressure, "bar", 8, 30, "inlet_pressure"},
		{Temperature, "degC", 50, 200, "lube_oil_temp"},
		{FlowRate, "m3/h", 100, 5000, "fuel_gas_flow"},
	},
	"Heat Exchanger": {
		{Temperature, "degC", 30, 200, "inlet_temp"},
		{Temperature, "degC", 20, 150, "outlet_temp"},
		{Pressure, "bar", 5, 40, "shell_pressure"},
		{Pressure, "bar", 5, 40, "tube_pressure"},
		{FlowRate, "m3/h", 10, 300, "process_flow"},
	},
	"Wellhead": {
		{Pressure, "bar", 100, 700, "tubing_pressure"},
		{Pressure, "bar", 50, 500, "casing_pressure"},
		{Temperature, "degC", 60, 180, "wellhead_temp"},
		{FlowRate, "m3/h", 5, 200, "production_flow"},
		{Vibration, "mm/s", 0, 10, "choke_vibration"},
	},
	"Riser": {
		{Pressure, "bar", 20, 300, "riser_pressure"},
		{Temperature, "degC", 4, 100, "riser_temp"},
		{Vibration, "mm/s", 0, 30, "viv_sensor"},
		{FlowRate, "m3/h", 10, 500, "throughput_flow"},
		{Pressure, "bar", 1, 20, "annulus_pressure"},
	},
	"BOP": {
		{Pressure, "bar", 200, 1034, "stack_pressure"},
		{Pressure, "bar", 150, 700, "accumulator_pressure"},
		{Temperature, "degC", 10, 80, "hydraulic_temp"},
		{Vibration, "mm/s", 0, 5, "stack_vibration"},
		{FlowRate, "m3/h", 0, 50, "hydraulic_flow"},
	},
	"Flare": {
		{Temperature, "degC", 300, 1200, "flame_temp"},
		{FlowRate, "m3/h", 0, 10000, "gas_flow"},
		{Pressure, "bar", 0.5, 5, "header_pressure"},
		{Temperature, "degC", 50, 300, "tip_temp"},
		{Vibration, "mm/s", 0, 20, "structural_vibration"},
	},
}

// Sensor is one instrument installed on a piece of equipment.
type Sensor struct {
	ID            string
	PlatformID    string
	EquipmentID   string
	EquipmentName string
	EquipmentType string
	Type          SensorType
	Unit          string
	Min           float64
	Max           float64
	Subtype       string
}

// PlatformSensors builds the sensor inventory of one platform: every
// equipment template with its five sensors.
func PlatformSensors(platformID string) ([]Sensor, error) {
	p, ok := LookupPlatform(platformID)
	if !ok {
		return nil, fmt.Errorf("unknown platform %q", platformID)
	}

	var sensors []Sensor
	for _, eq := range equipmentTemplates {
		equipmentID := p.ID + "-" + eq.suffix
		for i, spec := range sensorSpecs[eq.kind] {
			sensors = append(sensors, Sensor{
				ID:            fmt.Sprintf("%s-S%02d", equipmentID, i+1),
				PlatformID:    p.ID,
				EquipmentID:   equipmentID,
				EquipmentName: fmt.Sprintf("%s (%s)", eq.name, p.ID),
				EquipmentType: eq.kind,
				Type:          spec.kind,
				Unit:          spec.unit,
				Min:           spec.min,
				Max:           spec.max,
				Subtype:       spec.subtype,
			})
		}
	}
	return sensors, nil
}

// Fleet returns the sensors of every listed platform, in the order given.
func Fleet(platformIDs []string) ([]Sensor, error) {
	var sensors []Sensor
	for _, id := range platformIDs {
		ps, err := PlatformSensors(id)
		if err != nil {
			return nil, err
		}
		sensors = append(sensors, ps...)
	}
	return sensors, nil
}
