package trigger

import (
	"encoding/json"
	"time"

	"github.com/teranos/pulsed/errors"
)

// Trigger type tags used in the persisted envelope
const (
	TypePointInTime = "point-in-time"
	TypeInterval    = "interval"
	TypeCron        = "cron"
	TypeRetry       = "retry"
)

// envelope is the persisted form of every trigger variant
type envelope struct {
	Type string `json:"type"`

	// point-in-time, retry
	At       *time.Time `json:"at,omitempty"`
	Consumed bool       `json:"consumed,omitempty"`

	// interval
	Start       *time.Time `json:"start,omitempty"`
	EveryMS     int64      `json:"everyMs,omitempty"`
	RepeatLimit int        `json:"repeatLimit"`
	FireCount   int        `json:"fireCount"`

	// cron
	Expr     string     `json:"expr,omitempty"`
	Location string     `json:"location,omitempty"`
	EndTime  *time.Time `json:"endTime,omitempty"`
	Last     *time.Time `json:"last,omitempty"`

	// retry
	Then json.RawMessage `json:"then,omitempty"`
}

// Marshal encodes t as a tagged JSON envelope. A nil trigger encodes as nil.
func Marshal(t Trigger) ([]byte, error) {
	if t == nil {
		return nil, nil
	}
	env, err := toEnvelope(t)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Unmarshal decodes a value written by Marshal. Empty input yields nil.
func Unmarshal(data []byte) (Trigger, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "failed to decode trigger")
	}
	return fromEnvelope(env)
}

// TypeOf returns the type tag of t, or "" for nil
func TypeOf(t Trigger) string {
	switch t.(type) {
	case *PointInTime:
		return TypePointInTime
	case *Interval:
		return TypeInterval
	case *Cron:
		return TypeCron
	case *Retry:
		return TypeRetry
	default:
		return ""
	}
}

func toEnvelope(t Trigger) (envelope, error) {
	switch v := t.(type) {
	case *PointInTime:
		return envelope{Type: TypePointInTime, At: timePtr(v.At), Consumed: v.Consumed}, nil
	case *Interval:
		return envelope{
			Type:        TypeInterval,
			Start:       timePtr(v.Start),
			EveryMS:     v.Every.Milliseconds(),
			RepeatLimit: v.RepeatLimit,
			FireCount:   v.FireCount,
		}, nil
	case *Cron:
		return envelope{
			Type:        TypeCron,
			Expr:        v.Expr,
			Location:    v.Location,
			RepeatLimit: v.RepeatLimit,
			FireCount:   v.FireCount,
			EndTime:     v.EndTime,
			Last:        timePtr(v.Last),
		}, nil
	case *Retry:
		env := envelope{Type: TypeRetry, At: timePtr(v.At), Consumed: v.Consumed}
		if v.Then != nil {
			then, err := Marshal(v.Then)
			if err != nil {
				return envelope{}, err
			}
			env.Then = then
		}
		return env, nil
	default:
		return envelope{}, errors.Newf("unsupported trigger type %T", t)
	}
}

func fromEnvelope(env envelope) (Trigger, error) {
	switch env.Type {
	case TypePointInTime:
		if env.At == nil {
			return nil, errors.New("point-in-time trigger missing at")
		}
		return &PointInTime{At: *env.At, Consumed: env.Consumed}, nil
	case TypeInterval:
		if env.Start == nil {
			return nil, errors.New("interval trigger missing start")
		}
		return &Interval{
			Start:       *env.Start,
			Every:       time.Duration(env.EveryMS) * time.Millisecond,
			RepeatLimit: env.RepeatLimit,
			FireCount:   env.FireCount,
		}, nil
	case TypeCron:
		c := &Cron{
			Expr:        env.Expr,
			Location:    env.Location,
			RepeatLimit: env.RepeatLimit,
			FireCount:   env.FireCount,
			EndTime:     env.EndTime,
		}
		if env.Last != nil {
			c.Last = *env.Last
		}
		if err := c.parse(); err != nil {
			return nil, err
		}
		return c, nil
	case TypeRetry:
		if env.At == nil {
			return nil, errors.New("retry trigger missing at")
		}
		then, err := Unmarshal(env.Then)
		if err != nil {
			return nil, errors.Wrap(err, "retry trigger")
		}
		return &Retry{At: *env.At, Consumed: env.Consumed, Then: then}, nil
	default:
		return nil, errors.Newf("unknown trigger type %q", env.Type)
	}
}
