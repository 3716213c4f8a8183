package config

import (
	"fmt"

	"cuelang.org/go/cue"
)

// modelSchema constrains every CUE model. Sections are lists after
// normalization; see CUELoader.
const modelSchema = `
#Identifier: =~"^[a-zA-Z0-9][a-zA-Z0-9_.-]*$"

#Retry: {
	count?:    int & >=1
	interval?: string
}

#Kind: {
	name:    #Identifier
	parent?: #Identifier
}

#Host: {
	id:                        #Identifier
	address:                   string & !=""
	port?:                     int & >=1 & <=65535
	user:                      string & !=""
	key_file?:                 string
	password?:                 string
	password_secret?:          string
	known_hosts?:              string
	insecure_ignore_host_key?: bool
	labels?: {[string]: string}
}

#Resource: {
	id:    #Identifier
	name?: string
	kind:  #Identifier
	depends_on?: [...#Identifier]
	retry?: #Retry
	properties?: {...}
	labels?: {[string]: string}
}

#Step: {
	id:    #Identifier
	name?: string
	kind:  #Identifier
	host?: #Identifier
	depends_on?: [...#Identifier]
	retry?:       #Retry
	script?:      string
	source?:      string
	destination?: string
	command?:     string
	check?:       string
	undo?:        string
	env?: {[string]: string}
	sudo?:    bool
	timeout?: string
	properties?: {...}
}

#Model: {
	name:   #Identifier
	retry?: #Retry
	kinds?: [...#Kind]
	hosts?: [...#Host]
	resources?: [...#Resource]
	configurations?: [...#Step]
	executions?: [...#Step]
}
`

// compileSchema compiles modelSchema and returns the #Model definition.
func compileSchema(ctx *cue.Context) (cue.Value, error) {
	val := ctx.CompileString(modelSchema, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile model schema: %w", err)
	}
	def := val.LookupPath(cue.ParsePath("#Model"))
	if err := def.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to find #Model: %w", err)
	}
	return def, nil
}
