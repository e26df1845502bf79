package server

import (
	"bufio"
	"context"
	"io"
	"strings"

	"scratchpad/internal/logging"
)

// stdio messages can carry whole cells; allow up to 16 MiB per line.
const maxStdioLine = 16 * 1024 * 1024

// ServeStdio runs the line-delimited JSON-RPC loop until EOF or ctx
// cancellation. With auth enabled the stdio transport acts as the first
// configured principal; there is no header to carry a credential.
func (s *Service) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	tenant := s.resolver.FirstTenant()
	logging.Server("stdio transport ready (tenant=%s)", tenant)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxStdioLine)
	writer := bufio.NewWriter(out)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		response := s.HandleMessage(ctx, tenant, []byte(line))
		if response == nil {
			continue
		}
		if _, err := writer.Write(append(response, '\n')); err != nil {
			return err
		}
		if err := writer.Flush(); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		logging.Get(logging.CategoryServer).Warn("stdio read failed: %v", err)
		return err
	}
	logging.Server("stdio transport closed")
	return nil
}
