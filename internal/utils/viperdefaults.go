package utils

import "github.com/spf13/viper"

// Set the viper defaults for a gateway process.
// For use in cmd/gateway and cmd/gatewayprobe.
func SetViperDefaults() {
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")
	viper.SetDefault("listenip", "127.0.0.1")
	viper.SetDefault("listenport", 4000)
	viper.SetDefault("tls.cert", "")
	viper.SetDefault("tls.key", "")
	viper.SetDefault("timeout", 1000)
	viper.SetDefault("codecs", []string{"CodecOpus48000Stereo", "CodecVP8"})

	viper.SetDefault("engine.workers", 0)
	viper.SetDefault("engine.rtcminport", 10000)
	viper.SetDefault("engine.rtcmaxport", 10100)
	viper.SetDefault("engine.pliinterval", "3s")

	viper.SetDefault("webrtctransport.listenips", []string{"127.0.0.1"})
	viper.SetDefault("webrtctransport.announcedip", "")
	viper.SetDefault("webrtctransport.enableudp", true)
	viper.SetDefault("webrtctransport.enabletcp", true)
	viper.SetDefault("webrtctransport.initialavailableoutgoingbitrate", 1000000)
	viper.SetDefault("webrtctransport.minimumavailableoutgoingbitrate", 600000)
	viper.SetDefault("webrtctransport.maxincomingbitrate", 1500000)

	viper.SetDefault("rawmedia.listenip", "127.0.0.1")
	viper.SetDefault("rawmedia.ip", "127.0.0.1")
	viper.SetDefault("rawmedia.port", 20000)
	viper.SetDefault("rawmedia.rtcpport", 20001)
	viper.SetDefault("rawmedia.rtcpmux", false)

	viper.SetDefault("pipeline.enabled", true)
	viper.SetDefault("pipeline.command", "")
	viper.SetDefault("pipeline.args", []string{})
	viper.SetDefault("pipeline.readyline", "")
	viper.SetDefault("pipeline.readytimeout", "10s")
}
