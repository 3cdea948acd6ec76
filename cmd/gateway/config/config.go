package config

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine/pionengine"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/pipeline"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/signalling"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/utils"
	"github.com/spf13/viper"
)

// Environment variables recognised on top of the config file.
var envBindings = map[string]string{
	"listenip":   "LISTEN_IP",
	"listenport": "PORT",
	"tls.cert":   "CERT",
	"tls.key":    "KEY",
}

func LoadConfig(configFilePath string) {
	utils.SetViperDefaults()
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}

	viper.SetConfigFile(configFilePath)
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			slog.Info("no config file found", "configFilePath", configFilePath)
		} else {
			slog.Error("error during config read", "err", err)
			panic(err)
		}
	}

	if viper.GetInt("engine.rtcminport") > viper.GetInt("engine.rtcmaxport") {
		slog.Error("engine.rtcminport must not exceed engine.rtcmaxport")
		panic("invalid rtc port range")
	}
	if viper.GetBool("pipeline.enabled") && viper.GetString("pipeline.command") == "" {
		slog.Warn("pipeline enabled without a command, video producers will not be processed")
	}
}

func EngineConfig() pionengine.Config {
	return pionengine.Config{
		Workers:     viper.GetInt("engine.workers"),
		RTCMinPort:  viper.GetUint16("engine.rtcminport"),
		RTCMaxPort:  viper.GetUint16("engine.rtcmaxport"),
		PLIInterval: viper.GetDuration("engine.pliinterval"),
	}
}

func HandlerConfig() signalling.Config {
	return signalling.Config{
		WebRTCTransport: engine.WebRTCTransportOptions{
			ListenIPs:                       viper.GetStringSlice("webrtctransport.listenips"),
			AnnouncedIP:                     viper.GetString("webrtctransport.announcedip"),
			EnableUDP:                       viper.GetBool("webrtctransport.enableudp"),
			EnableTCP:                       viper.GetBool("webrtctransport.enabletcp"),
			InitialAvailableOutgoingBitrate: viper.GetUint32("webrtctransport.initialavailableoutgoingbitrate"),
			MinimumAvailableOutgoingBitrate: viper.GetUint32("webrtctransport.minimumavailableoutgoingbitrate"),
		},
		MaxIncomingBitrate: viper.GetUint32("webrtctransport.maxincomingbitrate"),
		RawMedia: signalling.RawMediaConfig{
			ListenIP: viper.GetString("rawmedia.listenip"),
			IP:       viper.GetString("rawmedia.ip"),
			Port:     viper.GetUint16("rawmedia.port"),
			RTCPPort: viper.GetUint16("rawmedia.rtcpport"),
			RTCPMux:  viper.GetBool("rawmedia.rtcpmux"),
		},
	}
}

// PipelineConfig disables the launcher when no command is configured.
func PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Disabled:     !viper.GetBool("pipeline.enabled") || viper.GetString("pipeline.command") == "",
		Command:      viper.GetString("pipeline.command"),
		Args:         viper.GetStringSlice("pipeline.args"),
		ReadyLine:    viper.GetString("pipeline.readyline"),
		ReadyTimeout: viper.GetDuration("pipeline.readytimeout"),
	}
}
