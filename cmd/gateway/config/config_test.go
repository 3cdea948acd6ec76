package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FileAndEnvironment(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
loglevel: debug
engine:
  workers: 2
  rtcminport: 30000
  rtcmaxport: 30100
  pliinterval: 5s
webrtctransport:
  listenips: ["10.0.0.5"]
  announcedip: 203.0.113.7
rawmedia:
  port: 21000
pipeline:
  command: /usr/bin/videopipeline
  args: ["--port", "{port}"]
  readyline: READY
`), 0o644))
	t.Setenv("PORT", "4443")
	t.Setenv("CERT", "/etc/gateway/cert.pem")

	LoadConfig(path)

	assert.Equal(t, 4443, viper.GetInt("listenport"))
	assert.Equal(t, "/etc/gateway/cert.pem", viper.GetString("tls.cert"))
	assert.Equal(t, "debug", viper.GetString("loglevel"))

	engineConfig := EngineConfig()
	assert.Equal(t, 2, engineConfig.Workers)
	assert.Equal(t, uint16(30000), engineConfig.RTCMinPort)
	assert.Equal(t, 5*time.Second, engineConfig.PLIInterval)

	handlerConfig := HandlerConfig()
	assert.Equal(t, []string{"10.0.0.5"}, handlerConfig.WebRTCTransport.ListenIPs)
	assert.Equal(t, "203.0.113.7", handlerConfig.WebRTCTransport.AnnouncedIP)
	assert.Equal(t, uint32(1500000), handlerConfig.MaxIncomingBitrate)
	assert.Equal(t, uint16(21000), handlerConfig.RawMedia.Port)
	assert.Equal(t, uint16(20001), handlerConfig.RawMedia.RTCPPort)

	pipelineConfig := PipelineConfig()
	assert.False(t, pipelineConfig.Disabled)
	assert.Equal(t, []string{"--port", "{port}"}, pipelineConfig.Args)
	assert.Equal(t, "READY", pipelineConfig.ReadyLine)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))

	assert.Equal(t, 4000, viper.GetInt("listenport"))
	assert.True(t, PipelineConfig().Disabled)
	assert.Equal(t, uint16(10000), EngineConfig().RTCMinPort)
}
