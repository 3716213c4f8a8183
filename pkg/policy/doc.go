// Package policy gates orchestrations with Open Policy Agent (OPA) policies.
//
// Before a pass starts, the CLI evaluates every enabled policy against the
// deployment model. A policy is a Rego module whose deny set lists
// violations; violations of severity error or critical block the
// operation, the rest are reported as warnings.
//
// # Input
//
// Policies see an Input document built from the model, without
// credentials:
//
//	{
//	  "deployment": "web",
//	  "operation": "provision",
//	  "hosts": [{"id": "app", "has_key": true, "insecure_ignore_host_key": false, ...}],
//	  "items": [{"id": "vm", "kind": "server", "domain": "provisioning", "depends_on": ["net"], ...}]
//	}
//
// # Writing Policies
//
//	package orchestra.custom
//
//	import rego.v1
//
//	# Servers must carry an owner label.
//	# severity: error
//	deny contains violation if {
//		some item in input.items
//		item.kind == "server"
//		not item.labels.owner
//		violation := {"message": sprintf("%s has no owner", [item.id]), "item": item.id}
//	}
//
// Entries may also be plain strings. The leading comment block of a .rego
// file becomes the description and a "severity:" comment sets the default
// severity; .json files carry the same fields explicitly.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	result, err := eng.Evaluate(ctx, model, policy.OperationProvision)
//	if err != nil {
//	    return err
//	}
//	if err := result.Err(); err != nil {
//	    return err
//	}
//
// Loader.Watch reloads policy files as they change; pass the reloaded
// policies to Engine.ReplacePolicies.
package policy
