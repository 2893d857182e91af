package logger

import (
	"sync"

	"go.uber.org/zap"
)

var once sync.Once

// Init installs the global zap logger. Only the first call has an effect.
func Init(dev bool) {
	once.Do(func() {
		zap.ReplaceGlobals(build(dev))
	})
}

func build(dev bool) *zap.Logger {
	if dev {
		l, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		l = l.Named("KilnDev")
		l.Sugar().Info("Logger initialized in development mode")
		return l
	}
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	l = l.Named("Kiln")
	l.Sugar().Info("Logger initialized in production mode")
	return l
}

// Component returns a named child of the global sugared logger, for long-lived
// background components (scheduler, reconciler, workers).
func Component(name string) *zap.SugaredLogger {
	return zap.S().Named(name)
}
