package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pccr10001/euiccd/internal/config"
	"github.com/pccr10001/euiccd/internal/euicc"
	"github.com/pccr10001/euiccd/internal/qrtr"
	"github.com/pccr10001/euiccd/pkg/logger"
)

// slotLogger is the default fan-out target: it records slot events in the
// log until an LPA frontend is attached.
type slotLogger struct{}

func (slotLogger) OnEuiccUpdated(physicalSlot uint32, info euicc.SlotInfo) {
	if info.Active {
		logger.Log.Infof("eUICC on slot %d active, logical slot %d, eid %q",
			physicalSlot, info.LogicalSlot, info.Eid)
	} else {
		logger.Log.Infof("eUICC on slot %d inactive", physicalSlot)
	}
}

func (slotLogger) OnEuiccRemoved(physicalSlot uint32) {
	logger.Log.Infof("no eUICC on slot %d", physicalSlot)
}

func (slotLogger) OnEuiccLogicalSlotUpdated(physicalSlot uint32, logicalSlot int16) {
	logger.Log.Infof("slot %d mapped to logical slot %d", physicalSlot, logicalSlot)
}

func main() {
	config.LoadConfig()
	logger.InitLogger(config.AppConfig.Log.Level)

	controller := euicc.NewController(qrtr.NewSocket())
	if err := controller.Initialize(slotLogger{}); err != nil {
		logger.Log.Warnf("initialization deferred: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down...")
	controller.Shutdown()
}
