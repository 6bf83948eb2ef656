package main

import (
	"bufio"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/bpowers/sockshub/internal/acl"
	"github.com/bpowers/sockshub/internal/addr"
)

// newACLCmd builds the "acl" command group. "acl check" loads a rules file,
// prints its canonical form, and reports the policy decision for each
// destination named on stdin (one host:port per line). Never part of a
// running hub; useful for validating a ruleset before deploying it.
func newACLCmd() *cobra.Command {
	aclCmd := &cobra.Command{
		Use:   "acl",
		Short: "ACL ruleset diagnostics",
	}
	aclCmd.AddCommand(&cobra.Command{
		Use:   "check <rules-file>",
		Short: "Load an ACL file, print its canonical form, and classify probe destinations read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runACLCheck(cmd.OutOrStdout(), cmd.InOrStdin(), args[0])
		},
	})
	return aclCmd
}

func runACLCheck(out io.Writer, in io.Reader, path string) error {
	ruleset, err := acl.Load(path)
	if err != nil {
		return fmt.Errorf("acl check: %w", err)
	}
	fmt.Fprint(out, ruleset.String())

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		dst, err := addr.ParseHostPort(line)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", line, err)
			continue
		}
		fmt.Fprintf(out, "%s -> %s\n", line, ruleset.Evaluate(dst))
	}
	return scanner.Err()
}
