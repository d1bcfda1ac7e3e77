package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(format string) (string, error) {
	switch Format(strings.ToLower(strings.TrimSpace(format))) {
	case FormatTOML:
		return tomlTemplate, nil
	case FormatYAML:
		return yamlTemplate, nil
	default:
		return "", fmt.Errorf("unknown scenario format: %s", format)
	}
}

func WriteTemplate(path, format string, overwrite bool) error {
	template, err := Template(format)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("scenario already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const tomlTemplate = `name = "linked-playback"

[[sub_graphs]]
id = 1

[[sub_graphs]]
id = 2

[[sub_graphs]]
id = 3
scenario = "voice_call"
key = 42
proxy = 7

[[containers]]
id = 10
sub_graphs = [1, 3]

[[containers]]
id = 20
sub_graphs = [2]

[[links]]
id = 100
self = 1
peer = 2

[[steps]]
command = "graph_open"

[[steps]]
command = "graph_start"
sub_graphs = [1, 2, 3]

[[steps]]
command = "set_cfg"

[[steps.params]]
container = 10
module = 4096
param = 32
data = "hex:0a0b"

[[steps]]
command = "graph_close"

[[grants]]
proxy = 7
sub_graphs = [3]
`

const yamlTemplate = `name: linked-playback
sub_graphs:
  - id: 1
  - id: 2
  - id: 3
    scenario: voice_call
    key: 42
    proxy: 7
containers:
  - id: 10
    sub_graphs: [1, 3]
  - id: 20
    sub_graphs: [2]
links:
  - id: 100
    self: 1
    peer: 2
steps:
  - command: graph_open
  - command: graph_start
    sub_graphs: [1, 2, 3]
  - command: set_cfg
    params:
      - container: 10
        module: 4096
        param: 32
        data: "hex:0a0b"
  - command: graph_close
grants:
  - proxy: 7
    sub_graphs: [3]
`
