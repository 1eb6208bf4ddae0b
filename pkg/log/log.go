/*
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

// Package log builds the process's single *zap.Logger and can carry it in
// a context.Context. There is no package-level global: main constructs the
// logger once, passes it to the scheduler service and worker loop through
// their constructors, and also stores it in the root context.
package log

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey struct{}

// Setup builds the process logger: development (console, debug-level) when
// verbose is true, production (JSON, info-level) otherwise.
func Setup(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// IntoContext returns a copy of ctx carrying l.
func IntoContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stashed in ctx by IntoContext, or a no-op
// logger if none was ever stashed.
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}
