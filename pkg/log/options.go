/*
Copyright 2025 The Trainforge Provisioner contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package log

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Format string

const (
	FormatJSON    Format = "JSON"
	FormatConsole Format = "Console"
)

var AvailableFormats = Formats{FormatJSON, FormatConsole}

type Formats []Format

func (f Formats) String() string {
	strs := make([]string, len(f))
	for i, format := range f {
		strs[i] = string(format)
	}

	return strings.Join(strs, ", ")
}

type Options struct {
	Debug  bool
	Format Format
}

func NewDefaultOptions() Options {
	return Options{
		Debug:  false,
		Format: FormatJSON,
	}
}

// NewOptionsFromEnv reads LOG_DEBUG and LOG_FORMAT. Lambda functions are
// configured through environment variables, not flags.
func NewOptionsFromEnv() Options {
	opts := NewDefaultOptions()

	if value := os.Getenv("LOG_DEBUG"); value != "" {
		if debug, err := strconv.ParseBool(value); err == nil {
			opts.Debug = debug
		}
	}

	if value := os.Getenv("LOG_FORMAT"); value != "" {
		opts.Format = Format(value)
	}

	return opts
}

func (o Options) Validate() error {
	for _, format := range AvailableFormats {
		if o.Format == format {
			return nil
		}
	}

	return fmt.Errorf("invalid log format %q, available formats: %s", o.Format, AvailableFormats)
}
