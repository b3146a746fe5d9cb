// Package config loads typed configuration structs from environment
// variables. A .env file in the working directory is loaded once, if present,
// before the first parse; explicit environment variables always win.
package config
