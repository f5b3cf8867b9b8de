// Package config loads the vmforge agent configuration.
//
// # Overview
//
// Configuration is read with viper from a YAML file, then overlaid with
// VMFORGE_* environment variables, then checked with struct tags
// (go-playground/validator) and a few semantic rules. Every key has a
// default, so an agent starts without any file at all.
//
// # Sources
//
// The file is searched in this order unless a path is given explicitly:
//
//   - ./vmforge.yaml
//   - /etc/vmforge/vmforge.yaml
//
// Environment variables use the VMFORGE prefix and underscores for nesting,
// e.g. VMFORGE_IMAGES_UPLOAD_READ_SIZE=1MB or VMFORGE_LOGGING_LEVEL=debug.
//
// # Layout
//
//	database:
//	  path: /var/lib/vmforge/vmforge.db
//	logging:
//	  level: info
//	  format: console
//	ssh:
//	  user: root
//	  private_key_path: /etc/vmforge/id_ed25519
//	libvirt:
//	  transport: ssh
//	images:
//	  dir: /images
//	  upload_read_size: 250KB
//	node:
//	  suspend_duration: 1h
//	  wake_command: [wakeonlan]
//	chunks:
//	  ttl: 24h
//	worker:
//	  poll_interval: 2s
//
// Sizes accept datasize notation (250KB, 1MB). Durations accept Go notation.
//
// # Reloading
//
// Watch follows the loaded file with fsnotify and hands every successfully
// re-read configuration to a callback. The agent only applies the log level
// from a reload; everything else requires a restart.
package config
