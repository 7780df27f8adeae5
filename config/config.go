package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()

	// Set default values
	v.SetDefault("server.http_port", 8000)
	v.SetDefault("server.websocket_port", 8080)
	v.SetDefault("server.static_dir", "public")

	v.SetDefault("adb.path", "")

	v.SetDefault("simba.server_url", "")
	v.SetDefault("simba.env", "production")

	v.SetDefault("scrcpy.server_jar", "scrcpy-server.jar")
	v.SetDefault("scrcpy.version", "3.3.3")
	v.SetDefault("scrcpy.port_base", 27183)

	v.SetDefault("har.python", "python3")
	v.SetDefault("har.script", "har_collection.py")

	v.SetDefault("output.dir", "output")

	// Environment variables
	v.AutomaticEnv()
	v.BindEnv("server.http_port", "HTTP_PORT")
	v.BindEnv("server.websocket_port", "WEBSOCKET_PORT")
	v.BindEnv("adb.path", "ADB_PATH")
	v.BindEnv("simba.server_url", "SIMBA_SERVER_URL")
	v.BindEnv("simba.env", "NODE_ENV")

	// Config file
	v.SetConfigName("simba")
	v.SetConfigType("yaml")

	// Look for config in the following paths
	configPaths := []string{
		".",
		filepath.Join(xdg.ConfigHome, "simba"),
		"/etc/simba",
	}

	for _, path := range configPaths {
		expandedPath := os.ExpandEnv(path)
		v.AddConfigPath(expandedPath)
	}

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
		// Config file not found; ignore error and use defaults
	}
}

// GetHTTPPort returns the port of the static file listener
func GetHTTPPort() int {
	return v.GetInt("server.http_port")
}

// GetWebSocketPort returns the port of the client WebSocket listener
func GetWebSocketPort() int {
	return v.GetInt("server.websocket_port")
}

// SetHTTPPort overrides the static listener port from a command-line flag
func SetHTTPPort(port int) {
	v.Set("server.http_port", port)
}

// SetWebSocketPort overrides the WebSocket listener port from a command-line flag
func SetWebSocketPort(port int) {
	v.Set("server.websocket_port", port)
}

// GetStaticDir returns the directory served by the HTTP listener
func GetStaticDir() string {
	return v.GetString("server.static_dir")
}

// GetAdbPath returns the explicitly configured adb binary path, if any
func GetAdbPath() string {
	return v.GetString("adb.path")
}

// GetSimbaServerURL returns the URL of the remote Simba backend
func GetSimbaServerURL() string {
	return v.GetString("simba.server_url")
}

// IsDevelopment reports whether the process runs in development mode
func IsDevelopment() bool {
	return v.GetString("simba.env") == "development"
}

// GetServerJarPath returns the local path of the on-device server jar
func GetServerJarPath() string {
	return v.GetString("scrcpy.server_jar")
}

// GetServerVersion returns the on-device server version string; it must
// match the pushed jar
func GetServerVersion() string {
	return v.GetString("scrcpy.version")
}

// GetServerPortBase returns the first local port probed for session listeners
func GetServerPortBase() int {
	return v.GetInt("scrcpy.port_base")
}

// GetHarPython returns the interpreter used to run the HAR collector
func GetHarPython() string {
	return v.GetString("har.python")
}

// GetHarScript returns the path of the HAR collector script
func GetHarScript() string {
	return v.GetString("har.script")
}

// GetOutputDir returns the root directory for diagnostics and HAR files
func GetOutputDir() string {
	return v.GetString("output.dir")
}

// GetDiagnosticsDir returns the directory diagnostic logs are written to
func GetDiagnosticsDir() string {
	return filepath.Join(GetOutputDir(), "diagnostics")
}

// GetHarFilesDir returns the directory the HAR collector writes to
func GetHarFilesDir() string {
	return filepath.Join(GetOutputDir(), "har_files")
}
