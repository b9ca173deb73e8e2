// Package hcl provides the HCL implementation of config.Loader. It parses
// one or more files (or directories of .hcl files), decodes their blocks
// with gohcl and translates them into the format-agnostic config.Model.
//
// Files may call env("NAME") to read a value from the environment.
package hcl
