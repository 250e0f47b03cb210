// Package flows runs declarative integration flows.
//
// A flow is a YAML document naming the server APIs to start, config
// overrides, dependencies to provision and a list of steps. Each step
// performs one action against the environment (a query, a datasource
// operation, a file upload, a predictor, or a generic await) and checks
// the outcome against its expectations:
//
//	name: postgres-datasource
//	apis: [http, mysql]
//	dependencies: [postgres]
//	steps:
//	  - name: create
//	    create_datasource: postgres
//	  - name: listed
//	    validate_datasource: postgres
//	    expect:
//	      records:
//	        - name: POSTGRES
//
// Every flow gets its own environment, which is closed when the flow ends
// whatever its outcome.
package flows
