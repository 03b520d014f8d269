package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Modem ModemConfig `mapstructure:"modem"`
	Apdu  ApduConfig  `mapstructure:"apdu"`
	Log   LogConfig   `mapstructure:"log"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ModemConfig struct {
	// Delay before re-probing for an eSIM after a failed initialization.
	InitRetryDelay time.Duration `mapstructure:"init_retry_delay"`
	// Quiet window after a slot switch during which no QMI traffic is sent.
	// Slot switching takes time; sending immediately afterwards produces
	// QMI errors.
	SwitchSlotDelay time.Duration `mapstructure:"switch_slot_delay"`
	// Quiet window after a profile enable/disable while the card refreshes.
	SimRefreshDelay time.Duration `mapstructure:"sim_refresh_delay"`
}

type ApduConfig struct {
	// Maximum number of command data bytes per SEND_APDU fragment. Hardware
	// specific; the safe value for the supported modem family.
	SliceSize int `mapstructure:"slice_size"`
	// Whether the modem supports extended-length APDUs. Off unless the
	// target modem is known to handle them.
	ExtendedLength bool `mapstructure:"extended_length"`
}

var AppConfig Config

func LoadConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/euiccd")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Warning: Config file not found, using defaults. Error: %v", err)
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}

	if AppConfig.Modem.InitRetryDelay <= 0 {
		AppConfig.Modem.InitRetryDelay = 10 * time.Second
	}
	if AppConfig.Modem.SwitchSlotDelay <= 0 {
		AppConfig.Modem.SwitchSlotDelay = 1 * time.Second
	}
	if AppConfig.Modem.SimRefreshDelay <= 0 {
		AppConfig.Modem.SimRefreshDelay = 2 * time.Second
	}
	if AppConfig.Apdu.SliceSize <= 0 {
		AppConfig.Apdu.SliceSize = 256
	}

	log.Println("Configuration loaded successfully")
}
