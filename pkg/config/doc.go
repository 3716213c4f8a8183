// Package config loads deployment models for orchestra.
//
// A Model names a deployment, the hosts it reaches over SSH and the items of
// its three graphs: Resources (provisioning), Configurations and Executions.
// Models can be written in YAML, CUE or HCL:
//
//	m, err := config.Load("deploy.cue")
//	if err != nil {
//	    return err
//	}
//
// CUE models are checked against a built-in schema; sections may be lists or
// structs keyed by ID:
//
//	name: "web"
//	resources: {
//	    net: {kind: "network"}
//	    vm:  {kind: "server", depends_on: ["net"]}
//	}
//
// HCL models use labelled blocks and may read the environment through env.*:
//
//	name = "web"
//	resource "server" "vm" {
//	  depends_on = ["net"]
//	  properties = { image = "nginx:${env.TAG}" }
//	}
//
// Validate reports struct constraints and cross references (unknown hosts,
// unknown dependencies, bad retry settings) as ValidationErrors.
//
// StarlarkEvaluator runs the check programs of check steps. A check assigns
// ok and optionally reason:
//
//	ok = status == 0 and "active" in stdout
//	reason = "service not active"
package config
