package models

import (
	"encoding/json"
	"math"
)

// Forecast is a parsed upstream forecast response for one city. Raw keeps the
// payload exactly as received so it can be persisted verbatim.
type Forecast struct {
	City   string          `json:"city"`
	Coord  *Coord          `json:"coord,omitempty"`
	Blocks []ForecastBlock `json:"blocks"`
	Raw    json.RawMessage `json:"raw"`
}

// Coord is a city's geographic position as reported by the forecast API.
type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// First returns the earliest forecast block, false when the list is empty.
func (f Forecast) First() (ForecastBlock, bool) {
	if len(f.Blocks) == 0 {
		return ForecastBlock{}, false
	}
	return f.Blocks[0], true
}

// ForecastBlock is one 3-hour slot of the upstream forecast. Main and Wind are
// required for scoring; Rain and Pop default to zero when absent.
type ForecastBlock struct {
	Dt   int64      `json:"dt,omitempty"`
	Main *BlockMain `json:"main,omitempty"`
	Wind *BlockWind `json:"wind,omitempty"`
	Rain *BlockRain `json:"rain,omitempty"`
	Pop  float64    `json:"pop"`
}

// BlockMain holds the temperature readings of a block. Keys missing from the
// decoded JSON are remembered so Complete can tell them from real zeros.
type BlockMain struct {
	Temp      float64 `json:"temp"`
	FeelsLike float64 `json:"feels_like"`
	Humidity  float64 `json:"humidity"`

	absent fieldSet
}

type BlockWind struct {
	Speed float64 `json:"speed"`

	absent fieldSet
}

type fieldSet uint8

const (
	fieldTemp fieldSet = 1 << iota
	fieldFeelsLike
	fieldHumidity
	fieldSpeed
)

func (s fieldSet) has(f fieldSet) bool { return s&f != 0 }

// present copies *v into dst, or marks f absent when the key was missing or null.
func present(v *float64, dst *float64, f fieldSet, absent *fieldSet) {
	if v == nil {
		*absent |= f
		return
	}
	*dst = *v
}

func (m *BlockMain) UnmarshalJSON(data []byte) error {
	var raw struct {
		Temp      *float64 `json:"temp"`
		FeelsLike *float64 `json:"feels_like"`
		Humidity  *float64 `json:"humidity"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = BlockMain{}
	present(raw.Temp, &m.Temp, fieldTemp, &m.absent)
	present(raw.FeelsLike, &m.FeelsLike, fieldFeelsLike, &m.absent)
	present(raw.Humidity, &m.Humidity, fieldHumidity, &m.absent)
	return nil
}

// MarshalJSON omits keys that were absent when decoded, so a cached block
// keeps the same gaps as the upstream one.
func (m BlockMain) MarshalJSON() ([]byte, error) {
	var out struct {
		Temp      *float64 `json:"temp,omitempty"`
		FeelsLike *float64 `json:"feels_like,omitempty"`
		Humidity  *float64 `json:"humidity,omitempty"`
	}
	if !m.absent.has(fieldTemp) {
		out.Temp = &m.Temp
	}
	if !m.absent.has(fieldFeelsLike) {
		out.FeelsLike = &m.FeelsLike
	}
	if !m.absent.has(fieldHumidity) {
		out.Humidity = &m.Humidity
	}
	return json.Marshal(out)
}

func (w *BlockWind) UnmarshalJSON(data []byte) error {
	var raw struct {
		Speed *float64 `json:"speed"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*w = BlockWind{}
	present(raw.Speed, &w.Speed, fieldSpeed, &w.absent)
	return nil
}

func (w BlockWind) MarshalJSON() ([]byte, error) {
	var out struct {
		Speed *float64 `json:"speed,omitempty"`
	}
	if !w.absent.has(fieldSpeed) {
		out.Speed = &w.Speed
	}
	return json.Marshal(out)
}

type BlockRain struct {
	ThreeHour float64 `json:"3h"`
}

// RainMM returns the rainfall volume for the 3-hour window, 0 when absent.
func (b ForecastBlock) RainMM() float64 {
	if b.Rain == nil {
		return 0
	}
	return b.Rain.ThreeHour
}

// Complete reports whether the block carries every field the scorer reads
// (feels_like, humidity, wind speed) and none of them is NaN or infinite.
func (b ForecastBlock) Complete() bool {
	if b.Main == nil || b.Wind == nil {
		return false
	}
	if b.Main.absent.has(fieldFeelsLike) || b.Main.absent.has(fieldHumidity) || b.Wind.absent.has(fieldSpeed) {
		return false
	}
	return finite(b.Main.FeelsLike, b.Main.Humidity, b.Wind.Speed, b.Pop, b.RainMM())
}

// HasTemp reports whether the block carries a finite temperature.
func (b ForecastBlock) HasTemp() bool {
	return b.Main != nil && !b.Main.absent.has(fieldTemp) && finite(b.Main.Temp)
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
