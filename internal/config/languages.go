package config

import "github.com/Mirai3103/sandbox-runner/internal/models"

// DefaultLanguages returns the built-in language profiles.
func DefaultLanguages() map[models.LanguageID]models.LanguageProfile {
	return map[models.LanguageID]models.LanguageProfile{
		models.Python: {
			ID:                models.Python,
			SourceFile:        "main.py",
			RunCommand:        "python3 -B {source_file}",
			TimeoutCeilingSec: 10,
		},
		models.JavaScript: {
			ID:                models.JavaScript,
			SourceFile:        "main.js",
			RunCommand:        "node {source_file}",
			TimeoutCeilingSec: 10,
		},
		models.C: {
			ID:                models.C,
			SourceFile:        "main.c",
			BinaryFile:        "main",
			CompileCommand:    "gcc -O2 -std=c11 -o {executable} {source_file} -lm",
			RunCommand:        "{executable}",
			TimeoutCeilingSec: 5,
			CompileTimeoutSec: 20,
		},
		models.Cpp: {
			ID:                models.Cpp,
			SourceFile:        "main.cpp",
			BinaryFile:        "main",
			CompileCommand:    "g++ -O2 -std=c++17 -o {executable} {source_file}",
			RunCommand:        "{executable}",
			TimeoutCeilingSec: 5,
			CompileTimeoutSec: 30,
		},
		models.Go: {
			ID:                models.Go,
			SourceFile:        "main.go",
			BinaryFile:        "main",
			CompileCommand:    "go build -o {executable} {source_file}",
			RunCommand:        "{executable}",
			TimeoutCeilingSec: 5,
			CompileTimeoutSec: 60,
		},
	}
}

// DefaultKernels maps gateway kernel types to validation languages.
func DefaultKernels() map[string]models.LanguageID {
	return map[string]models.LanguageID{
		"python3": models.Python,
		"sql":     models.SQL,
	}
}

// MergeLanguages overlays non-empty fields of overrides onto base.
func MergeLanguages(base, overrides map[models.LanguageID]models.LanguageProfile) map[models.LanguageID]models.LanguageProfile {
	out := make(map[models.LanguageID]models.LanguageProfile, len(base)+len(overrides))
	for id, p := range base {
		out[id] = p
	}
	for id, o := range overrides {
		p := out[id]
		p.ID = id
		if o.SourceFile != "" {
			p.SourceFile = o.SourceFile
		}
		if o.BinaryFile != "" {
			p.BinaryFile = o.BinaryFile
		}
		if o.CompileCommand != "" {
			p.CompileCommand = o.CompileCommand
		}
		if o.RunCommand != "" {
			p.RunCommand = o.RunCommand
		}
		if o.TimeoutCeilingSec > 0 {
			p.TimeoutCeilingSec = o.TimeoutCeilingSec
		}
		if o.CompileTimeoutSec > 0 {
			p.CompileTimeoutSec = o.CompileTimeoutSec
		}
		out[id] = p
	}
	return out
}
