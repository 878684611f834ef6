package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// jsonValue marshals v for a JSONB column
func jsonValue(v interface{}) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jsonb value: %w", err)
	}
	return data, nil
}

// scanJSON unmarshals a JSONB column into dst. NULL leaves dst untouched.
func scanJSON(src interface{}, dst interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to unmarshal jsonb value: %w", err)
	}
	return nil
}

// ErrorList is the serialized error list stored on a DailyRun
type ErrorList []string

// Value implements driver.Valuer
func (e ErrorList) Value() (driver.Value, error) {
	if e == nil {
		return jsonValue([]string{})
	}
	return jsonValue([]string(e))
}

// Scan implements sql.Scanner
func (e *ErrorList) Scan(src interface{}) error {
	return scanJSON(src, (*[]string)(e))
}
