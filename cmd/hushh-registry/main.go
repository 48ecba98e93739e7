// hushh-registry lints and seals developer registry files
//
// usage:
//
//	hushh-registry lint <file>
//	hushh-registry seal <file>          (prints sealed YAML to stdout)
//	hushh-registry seal -w <file>       (rewrites the file in place)
//	hushh-registry hash <token>
package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"hushh/internal/services/api/registry"
)

func main() {
	if len(os.Args) < 3 {
		usage()
	}

	switch os.Args[1] {
	case "lint":
		f := readFile(os.Args[2])
		if err := registry.Lint(f); err != nil {
			fatal("lint failed: %v", err)
		}
		fmt.Printf("ok: %d developer(s)\n", len(f.Developers))

	case "seal":
		inPlace := false
		path := os.Args[2]
		if path == "-w" {
			if len(os.Args) < 4 {
				usage()
			}
			inPlace = true
			path = os.Args[3]
		}
		f := readFile(path)
		if err := registry.Lint(f); err != nil {
			fatal("refusing to seal an invalid file: %v", err)
		}
		registry.Seal(&f)
		out, err := registry.Marshal(f)
		if err != nil {
			fatal("marshal: %v", err)
		}
		if inPlace {
			if err := os.WriteFile(path, out, 0o600); err != nil {
				fatal("write %s: %v", path, err)
			}
			fmt.Printf("sealed %s\n", path)
			return
		}
		fmt.Print(string(out))

	case "hash":
		fmt.Println(registry.HashToken(os.Args[2]))

	default:
		usage()
	}
}

func readFile(path string) registry.File {
	raw, err := os.ReadFile(path)
	if err != nil {
		fatal("read %s: %v", path, err)
	}
	var f registry.File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		fatal("parse %s: %v", path, err)
	}
	return f
}

func fatal(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: hushh-registry lint|seal [-w]|hash <file-or-token>")
	os.Exit(2)
}
