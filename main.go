package main

import (
	"os"
	"runtime/debug"

	"github.com/parvit/closecheck/logger"
	"github.com/parvit/closecheck/service"
)

func init() {
	logger.SetupLogger("checker")
}

func main() {
	defer func() {
		if err := recover(); err != nil {
			logger.Error("PANIC: %v", err)
			debug.PrintStack()
		}
	}()

	retcode := service.ServiceMain()

	logger.Info("=== EXIT - code(%d) ===", retcode)
	logger.CloseLogger()

	os.Exit(retcode)
}
