package kerrors

import "go.uber.org/zap"

// L is the package-level logger. Fatalf and Assertf write their message
// to it before panicking (swap exhaustion, failed invariants); nothing
// else in the module logs through it. Swappable for tests
// via SetLogger so a test can assert on emitted entries with
// zaptest/observer without touching global state more than once.
var L = zap.NewNop().Sugar()

// SetLogger replaces the package-level logger. Passing nil restores a
// no-op logger.
func SetLogger(l *zap.SugaredLogger) {
	if l == nil {
		L = zap.NewNop().Sugar()
		return
	}
	L = l
}
