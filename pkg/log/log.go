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
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a shared, sugared logger for code paths that have no logger
// injected. Binaries should replace it early in main with a logger built
// from their own options.
var Logger = New(false, FormatJSON).Sugar()

// New returns a new zap logger. When debug is enabled, log levels down to
// DebugLevel are emitted and stacktraces are attached to warnings.
func New(debug bool, format Format) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	var encoder zapcore.Encoder
	switch format {
	case FormatConsole:
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	stacktraceLevel := zap.NewAtomicLevelAt(zap.ErrorLevel)
	if debug {
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
		stacktraceLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	output := zapcore.Lock(os.Stderr)
	core := zapcore.NewCore(&KubeAwareEncoder{Encoder: encoder}, output, level)

	return zap.New(core, zap.AddStacktrace(stacktraceLevel), zap.ErrorOutput(output))
}

// NewLambda returns the logger used by the Lambda entrypoints: JSON encoded
// so CloudWatch can index the fields, with debug logging toggled by options.
func NewLambda(debug bool) *zap.Logger {
	return New(debug, FormatJSON)
}
