// Package config loads the flowtest harness settings.
//
// Settings are layered, later sources overriding earlier ones:
//
//  1. Built-in defaults
//  2. User configuration (~/.config/flowtest/config.yaml)
//  3. Project configuration (./.flowtest/config.yaml)
//  4. The file passed with --config
//  5. Environment variables prefixed with FLOWTEST_, where a double
//     underscore separates nesting levels
//  6. Command line flags the user set explicitly
//
// A project file might look like this:
//
//	server:
//	  command: ["python3", "-m", "mindsdb"]
//	  base_config: tests/integration_tests/flows/config/config.json
//	  ready_timeout: 60s
//	  override:
//	    api:
//	      http:
//	        port: "47336"
//	containers:
//	  runtime: testcontainers
//	postgres:
//	  verify: true
//
// Durations use Go duration syntax. Validate reports every unusable
// setting at once.
package config
