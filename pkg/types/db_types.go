package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSON is a custom type for handling JSON object columns in GORM
type JSON map[string]any

// Value implements the driver.Valuer interface for JSON
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface for JSON
func (j *JSON) Scan(value any) error {
	if value == nil {
		*j = make(map[string]any)
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into JSON", value)
	}

	if len(data) == 0 {
		*j = make(map[string]any)
		return nil
	}

	return json.Unmarshal(data, j)
}

// String returns the value stored under key if it is a non-empty string.
func (j JSON) String(key string) string {
	if value, ok := j[key]; ok {
		if str, ok := value.(string); ok {
			return str
		}
	}
	return ""
}
