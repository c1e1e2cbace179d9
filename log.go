package hotpatch

import "go.uber.org/zap"

// The package logs nothing by default. Plugins that want the install report
// and halt diagnostics should hand over a logger before calling Apply.
var logger = zap.NewNop()

// SetLogger installs the logger used for install reports and halt
// diagnostics. Pass nil to silence the package again.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
}
