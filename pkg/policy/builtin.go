package policy

// Operations passed to Evaluate by the CLI.
const (
	OperationValidate    = "validate"
	OperationRun         = "run"
	OperationProvision   = "provision"
	OperationDeprovision = "deprovision"
)

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		hostAuthenticationPolicy(),
		hostKeyVerificationPolicy(),
		itemNamingPolicy(),
		reversibleCommandsPolicy(),
		protectedResourcesPolicy(),
	}
}

// hostAuthenticationPolicy requires a credential on every host.
func hostAuthenticationPolicy() Policy {
	return Policy{
		Name:        "host-authentication",
		Description: "Every host must name a key file, a password or a password secret",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"hosts", "security"},
		Rego: `package orchestra.policies.hosts.auth

import rego.v1

deny contains violation if {
	some host in input.hosts
	not host.has_key
	not host.has_password
	not host.password_secret
	violation := {
		"message": sprintf("host %s has no key_file, password or password_secret", [host.id]),
		"item": host.id,
	}
}
`,
	}
}

func hostKeyVerificationPolicy() Policy {
	return Policy{
		Name:        "host-key-verification",
		Description: "Warns about hosts that skip host key verification",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"hosts", "security"},
		Rego: `package orchestra.policies.hosts.keys

import rego.v1

deny contains violation if {
	some host in input.hosts
	host.insecure_ignore_host_key
	violation := {
		"message": sprintf("host %s does not verify its host key", [host.id]),
		"item": host.id,
	}
}
`,
	}
}

// itemNamingPolicy keeps IDs usable as DNS labels and file names.
func itemNamingPolicy() Policy {
	return Policy{
		Name:        "item-naming",
		Description: "Item IDs should be lowercase letters, digits, hyphens and underscores",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package orchestra.policies.naming

import rego.v1

deny contains violation if {
	some item in input.items
	not regex.match("^[a-z0-9][a-z0-9_-]*$", item.id)
	violation := {
		"message": sprintf("id '%s' should contain only lowercase letters, digits, hyphens and underscores", [item.id]),
		"item": item.id,
		"domain": item.domain,
	}
}
`,
	}
}

func reversibleCommandsPolicy() Policy {
	return Policy{
		Name:        "reversible-commands",
		Description: "Reports execution commands that have no undo command",
		Severity:    SeverityInfo,
		Enabled:     true,
		Tags:        []string{"teardown"},
		Rego: `package orchestra.policies.reversible

import rego.v1

deny contains violation if {
	some item in input.items
	item.domain == "execution"
	item.kind == "command"
	not item.undo
	violation := {
		"message": sprintf("command %s has no undo and is left in place on teardown", [item.id]),
		"item": item.id,
		"domain": item.domain,
	}
}
`,
	}
}

// protectedResourcesPolicy blocks teardown of resources labelled protected.
func protectedResourcesPolicy() Policy {
	return Policy{
		Name:        "protected-resources",
		Description: "Resources labelled protected=true cannot be deprovisioned",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"operations", "safety"},
		Rego: `package orchestra.policies.protected

import rego.v1

deny contains violation if {
	input.operation == "deprovision"
	some item in input.items
	item.domain == "provisioning"
	item.labels.protected == "true"
	violation := {
		"message": sprintf("resource %s is protected and cannot be deprovisioned", [item.id]),
		"item": item.id,
		"domain": item.domain,
	}
}
`,
	}
}
