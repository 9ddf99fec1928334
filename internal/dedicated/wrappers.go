package dedicated

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/petrijr/jobflow/pkg/api"
)

const pythonLoop = `import inspect
import json
import sys

sys.path.insert(0, ".")
import main

params = inspect.signature(main.main).parameters
var_kw = any(p.kind == p.VAR_KEYWORD for p in params.values())

for line in sys.stdin:
    msg = json.loads(line)
    if msg.get("ping"):
        print(json.dumps({"id": msg["id"], "result": None}), flush=True)
        continue
    args = msg.get("args") or {}
    if not var_kw:
        args = {k: v for k, v in args.items() if k in params}
    try:
        out = {"id": msg["id"], "result": main.main(**args)}
    except Exception as e:
        out = {"id": msg["id"], "error": f"{type(e).__name__}: {e}"}
    print(json.dumps(out), flush=True)
`

const tsHandler = `import { main } from "./main.ts";

async function handle(line: string): Promise<string> {
  const msg = JSON.parse(line);
  if (msg.ping) {
    return JSON.stringify({ id: msg.id, result: null });
  }
  try {
    const res = await main(...Object.values(msg.args ?? {}));
    return JSON.stringify({ id: msg.id, result: res ?? null });
  } catch (e) {
    return JSON.stringify({ id: msg.id, error: String(e) });
  }
}
`

const denoLoop = tsHandler + `
const enc = new TextEncoder();
const dec = new TextDecoder();
let buf = "";
for await (const chunk of Deno.stdin.readable) {
  buf += dec.decode(chunk, { stream: true });
  let i;
  while ((i = buf.indexOf("\n")) >= 0) {
    const line = buf.slice(0, i);
    buf = buf.slice(i + 1);
    if (line.trim() === "") continue;
    await Deno.stdout.write(enc.encode((await handle(line)) + "\n"));
  }
}
`

const bunLoop = tsHandler + `
for await (const line of console) {
  if (line.trim() === "") continue;
  process.stdout.write((await handle(line)) + "\n");
}
`

// DefaultCommand writes the request loop wrapper for spec's language.
// Bash has no in-process entrypoint and cannot run dedicated.
func DefaultCommand(dir string, spec Spec) ([]string, error) {
	var bin, main, wrapper, loop string
	var args []string
	switch spec.Language {
	case api.LangPython3:
		bin, main, wrapper, loop = "python3", "main.py", "wrapper.py", pythonLoop
		args = []string{"-u", wrapper}
	case api.LangDeno:
		bin, main, wrapper, loop = "deno", "main.ts", "wrapper.ts", denoLoop
		args = []string{"run", "--allow-all", "--no-prompt", wrapper}
	case api.LangBun:
		bin, main, wrapper, loop = "bun", "main.ts", "wrapper.ts", bunLoop
		args = []string{"run", wrapper}
	default:
		return nil, fmt.Errorf("language %q cannot run as a dedicated worker", spec.Language)
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, main), []byte(spec.Code), 0o600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, wrapper), []byte(loop), 0o600); err != nil {
		return nil, err
	}
	return append([]string{path}, args...), nil
}
