package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var numberNoise = strings.NewReplacer(",", "", "$", "", "€", "", "£", "", "¥", "", "￥", "", " ", "")

// 2^63 is exactly representable; MaxInt64 as a float64 rounds up to it.
const int64Bound = float64(1 << 63)

func coerce(v any, typ string) (any, error) {
	switch typ {
	case TypeInt:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		t := math.Trunc(f)
		if t < -int64Bound || t >= int64Bound {
			return nil, fmt.Errorf("%v is out of integer range", v)
		}
		return int64(t), nil
	case TypeFloat:
		return toFloat(v)
	case TypeBool:
		return toBool(v)
	case TypeJSON:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal json: %w", err)
		}
		return string(data), nil
	default:
		return toString(v)
	}
}

func toString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case bool:
		return strconv.FormatBool(t), nil
	case json.Number:
		return t.String(), nil
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("stringify %T: %w", v, err)
		}
		return string(data), nil
	}
}

// toFloat rejects NaN and infinities, which ParseFloat accepts.
func toFloat(v any) (float64, error) {
	f, err := parseFloat(v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number: %v", v)
	}
	return f, nil
}

func parseFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string:
		clean := numberNoise.Replace(strings.TrimSpace(t))
		f, err := strconv.ParseFloat(clean, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to number", v)
	}
}

func toBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case float64:
		return t != 0, nil
	case int:
		return t != 0, nil
	case int64:
		return t != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "y", "1", "on":
			return true, nil
		case "false", "no", "n", "0", "off":
			return false, nil
		}
		return false, fmt.Errorf("not a boolean: %q", t)
	default:
		return false, fmt.Errorf("cannot convert %T to bool", v)
	}
}
