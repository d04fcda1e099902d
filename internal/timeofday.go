package homehub

import (
	"time"

	"github.com/sj14/astral/pkg/astral"
)

type TimeOfDay int

const (
	Nighttime TimeOfDay = iota
	MorningTwilight
	Daytime
	EveningTwilight
)

func (t TimeOfDay) String() string {
	switch t {
	case Nighttime:
		return "Nighttime"
	case MorningTwilight:
		return "Morning Twilight"
	case Daytime:
		return "Daytime"
	case EveningTwilight:
		return "Evening Twilight"
	default:
		return "Unknown TimeOfDay"
	}
}

func ComputeTimeOfDay(currentTime time.Time, lat, long float64) TimeOfDay {

	observer := astral.Observer{
		Latitude:  lat,
		Longitude: long,
		Elevation: 0.0,
	}

	location := currentTime.Location()
	midnight := time.Date(
		currentTime.Year(),
		currentTime.Month(),
		currentTime.Day(),
		0, 0, 0, 0,
		location,
	)
	nextMidnight := midnight.Add(24 * time.Hour)

	dawn, _ := astral.Dawn(observer, midnight, astral.DepressionCivil)
	sunrise, _ := astral.Sunrise(observer, midnight)
	sunset, _ := astral.Sunset(observer, midnight)
	dusk, _ := astral.Dusk(observer, midnight, astral.DepressionCivil)

	var phase TimeOfDay
	switch {
	case currentTime.After(midnight) && currentTime.Before(dawn):
		phase = Nighttime
	case currentTime.After(dawn) && currentTime.Before(sunrise):
		phase = MorningTwilight
	case currentTime.After(sunrise) && currentTime.Before(sunset):
		phase = Daytime
	case currentTime.After(sunset) && currentTime.Before(dusk):
		phase = EveningTwilight
	case currentTime.After(dusk) && currentTime.Before(nextMidnight):
		phase = Nighttime
	}
	return phase
}

// ParseClock parses a HH:MM wall clock string into hour and minute.
func ParseClock(clock string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}
