package debuglog

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	baseOnce sync.Once
	base     atomic.Pointer[zap.Logger]

	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv("KADNODE_DEBUG") == "1"
}

func Enabled() bool {
	return enabled()
}

func root() *zap.Logger {
	if l := base.Load(); l != nil {
		return l
	}
	baseOnce.Do(func() {
		base.CompareAndSwap(nil, build())
	})
	return base.Load()
}

func build() *zap.Logger {
	level := zapcore.InfoLevel
	if enabled() {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if strings.EqualFold(os.Getenv("KADNODE_LOG_FORMAT"), "console") {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	if !enabled() {
		// Network goroutines log per datagram; keep the hot path bounded.
		core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 10)
	}
	return zap.New(core)
}

func Named(name string) *zap.Logger {
	return root().Named(name)
}

func Replace(l *zap.Logger) func() {
	prev := root()
	base.Store(l)
	return func() {
		base.Store(prev)
	}
}

func Sync() {
	_ = root().Sync()
}

func Logf(format string, args ...any) {
	root().Info(fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	root().Debug(fmt.Sprintf(format, args...))
}

func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	root().Debug(fmt.Sprintf(format, args...), zap.String("key", key))
}
