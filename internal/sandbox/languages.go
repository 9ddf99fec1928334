package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/petrijr/jobflow/pkg/api"
)

// Bash runs main.sh with the arguments its signature declares as positional
// parameters (`name="$1"`). The result is result.json, result.out or the
// last line of stdout.
var Bash = Language{
	Name:             api.LangBash,
	ResultFromStdout: true,
	Prepare: func(dir string, req Request) ([]string, error) {
		bin, err := exec.LookPath("bash")
		if err != nil {
			return nil, err
		}
		if err := writeFile(dir, "main.sh", "set -e\n"+req.Code); err != nil {
			return nil, err
		}
		pos, err := bashArgs(req.Code, req.Args)
		if err != nil {
			return nil, err
		}
		return append([]string{bin, "main.sh"}, pos...), nil
	},
}

const pythonWrapper = `import inspect
import json
import sys

sys.path.insert(0, ".")
import main

with open("args.json") as f:
    args = json.load(f)

params = inspect.signature(main.main).parameters
if not any(p.kind == p.VAR_KEYWORD for p in params.values()):
    args = {k: v for k, v in args.items() if k in params}

res = main.main(**args)
with open("result.json", "w") as f:
    json.dump(res, f)
`

// Python3 imports main.py and calls main(**args).
var Python3 = Language{
	Name: api.LangPython3,
	Prepare: func(dir string, req Request) ([]string, error) {
		bin, err := exec.LookPath("python3")
		if err != nil {
			return nil, err
		}
		if err := writeFile(dir, "main.py", req.Code); err != nil {
			return nil, err
		}
		if err := writeFile(dir, "wrapper.py", pythonWrapper); err != nil {
			return nil, err
		}
		return []string{bin, "-u", "wrapper.py"}, nil
	},
}

const denoWrapper = `import { main } from "./main.ts";

const args = JSON.parse(await Deno.readTextFile("args.json"));
const res = await main(...Object.values(args));
await Deno.writeTextFile("result.json", JSON.stringify(res ?? null));
`

// Deno imports main.ts and calls main with the argument values in order.
var Deno = Language{
	Name: api.LangDeno,
	Prepare: func(dir string, req Request) ([]string, error) {
		bin, err := exec.LookPath("deno")
		if err != nil {
			return nil, err
		}
		if err := writeFile(dir, "main.ts", req.Code); err != nil {
			return nil, err
		}
		if err := writeFile(dir, "wrapper.ts", denoWrapper); err != nil {
			return nil, err
		}
		return []string{bin, "run", "--allow-all", "--no-prompt", "wrapper.ts"}, nil
	},
}

const bunWrapper = `import { readFileSync, writeFileSync } from "fs";
import { main } from "./main.ts";

const args = JSON.parse(readFileSync("args.json", "utf8"));
const res = await main(...Object.values(args));
writeFileSync("result.json", JSON.stringify(res ?? null));
`

// Bun is Deno's contract on the bun runtime.
var Bun = Language{
	Name: api.LangBun,
	Prepare: func(dir string, req Request) ([]string, error) {
		bin, err := exec.LookPath("bun")
		if err != nil {
			return nil, err
		}
		if err := writeFile(dir, "main.ts", req.Code); err != nil {
			return nil, err
		}
		if err := writeFile(dir, "wrapper.ts", bunWrapper); err != nil {
			return nil, err
		}
		return []string{bin, "run", "wrapper.ts"}, nil
	},
}

// Languages lists the built-in languages.
var Languages = []Language{Bash, Python3, Deno, Bun}

// NewDefaultRegistry registers a ProcessRunner for every built-in language.
func NewDefaultRegistry(opts ProcessOptions) *Registry {
	r := NewRegistry()
	for _, l := range Languages {
		r.Register(l.Name, NewProcessRunner(l, opts))
	}
	return r
}

func writeFile(dir, name, content string) error {
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600)
}

var bashParam = regexp.MustCompile(`(?m)^\s*(\w+)="\$\{?(\d+)(?::-[^}"]*)?\}?"`)

// bashArgs maps args onto the positional parameters declared by code.
// Strings are passed verbatim, other values as JSON; missing ones are empty.
func bashArgs(code string, raw json.RawMessage) ([]string, error) {
	var args map[string]json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("args: %w", err)
	}
	type param struct {
		name string
		pos  int
	}
	var params []param
	seen := map[int]bool{}
	for _, m := range bashParam.FindAllStringSubmatch(code, -1) {
		pos, err := strconv.Atoi(m[2])
		if err != nil || pos == 0 || seen[pos] {
			continue
		}
		seen[pos] = true
		params = append(params, param{name: m[1], pos: pos})
	}
	sort.Slice(params, func(i, j int) bool { return params[i].pos < params[j].pos })

	var out []string
	for _, p := range params {
		for len(out) < p.pos-1 {
			out = append(out, "")
		}
		v, ok := args[p.name]
		switch {
		case !ok || string(v) == "null":
			out = append(out, "")
		case len(v) > 0 && v[0] == '"':
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return nil, fmt.Errorf("arg %s: %w", p.name, err)
			}
			out = append(out, s)
		default:
			out = append(out, string(v))
		}
	}
	return out, nil
}
