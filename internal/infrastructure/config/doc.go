// Package config loads the bridge configuration.
//
// Values are layered: built-in defaults, then the YAML file, then
// ESPHOME_CLIMATE_* environment variables (a .env file is read into the
// environment first). Validate runs last and reports every problem at once.
//
// Keep the MQTT password, InfluxDB token and JWT secret out of the YAML file
// and supply them through the environment instead.
//
//	cfg, err := config.Load("configs/config.yaml")
package config
