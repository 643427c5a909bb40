// Copyright 2024 FrameFarm Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import "time"

// TomlDuration is a time.Duration that can be decoded from a TOML string
// like "200ms" or "48h".
type TomlDuration time.Duration

// UnmarshalText is used by toml to decode the duration.
func (d *TomlDuration) UnmarshalText(text []byte) error {
	stdDuration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = TomlDuration(stdDuration)
	return nil
}

// MarshalText is used by toml to encode the duration.
func (d TomlDuration) MarshalText() ([]byte, error) {
	stdDuration := time.Duration(d)
	return []byte(stdDuration.String()), nil
}
