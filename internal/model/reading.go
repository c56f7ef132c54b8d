package model

import (
	"math"
	"time"
)

// Field identifies one numeric column of a meter reading.
type Field int

const (
	GlobalActivePower Field = iota
	GlobalReactivePower
	Voltage
	GlobalIntensity
	SubMetering1
	SubMetering2
	SubMetering3

	FieldCount
)

// FieldInfo holds the column name, display name and unit for a field.
type FieldInfo struct {
	Column string
	Name   string
	Unit   string
}

// FieldCatalog maps every Field to its column name, display name and unit.
var FieldCatalog = [FieldCount]FieldInfo{
	GlobalActivePower:   {Column: "global_active_power", Name: "Global Active Power", Unit: "kW"},
	GlobalReactivePower: {Column: "global_reactive_power", Name: "Global Reactive Power", Unit: "kW"},
	Voltage:             {Column: "voltage", Name: "Voltage", Unit: "V"},
	GlobalIntensity:     {Column: "global_intensity", Name: "Global Intensity", Unit: "A"},
	SubMetering1:        {Column: "sub_metering_1", Name: "Sub-metering 1", Unit: "Wh"},
	SubMetering2:        {Column: "sub_metering_2", Name: "Sub-metering 2", Unit: "Wh"},
	SubMetering3:        {Column: "sub_metering_3", Name: "Sub-metering 3", Unit: "Wh"},
}

// SubMeters lists the three appliance sub-circuit fields in order.
var SubMeters = [3]Field{SubMetering1, SubMetering2, SubMetering3}

func (f Field) String() string {
	if f < 0 || f >= FieldCount {
		return "unknown"
	}
	return FieldCatalog[f].Column
}

// Aggregated reports whether f feeds a daily aggregate. Reactive power and
// intensity are parsed and imputed but never rolled up.
func (f Field) Aggregated() bool {
	return f != GlobalReactivePower && f != GlobalIntensity
}

// FieldByColumn is the reverse of FieldCatalog's Column.
var FieldByColumn map[string]Field

func init() {
	FieldByColumn = make(map[string]Field, FieldCount)
	for f := Field(0); f < FieldCount; f++ {
		FieldByColumn[FieldCatalog[f].Column] = f
	}
}

// RawRecord is one parsed source row. Missing marks fields that were absent,
// malformed or negative in the source.
type RawRecord struct {
	Line      int
	Timestamp time.Time
	Values    [FieldCount]float64
	Missing   [FieldCount]bool
}

// MissingCount returns how many fields of the record are missing.
func (r RawRecord) MissingCount() int {
	n := 0
	for _, m := range r.Missing {
		if m {
			n++
		}
	}
	return n
}

// Reading is a validated minute-level sample with every field resolved.
type Reading struct {
	Timestamp time.Time
	Values    [FieldCount]float64
}

func (r Reading) Value(f Field) float64 { return r.Values[f] }

func (r Reading) Day() Day { return DayOf(r.Timestamp) }

// Micro is a fixed-point quantity in millionths. Sums of Micro values are
// exact, so partial aggregates merge identically in any order.
type Micro int64

const microScale = 1e6

func ToMicro(v float64) Micro { return Micro(math.Round(v * microScale)) }

func (m Micro) Float() float64 { return float64(m) / microScale }

type TimeRange struct {
	Start time.Time
	End   time.Time
}
