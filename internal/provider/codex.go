package provider

import "os/exec"

// CodexProvider is a stub second provider demonstrating that the Spawner is
// not wired to any one CLI binary. Its argument shape is a reasonable guess
// at a stream-json-capable competitor and is expected to be refined once a
// real binary is targeted.
type CodexProvider struct {
	binary string
}

// NewCodexProvider builds a provider that looks for "codex" on PATH.
func NewCodexProvider() *CodexProvider {
	return &CodexProvider{binary: "codex"}
}

func (p *CodexProvider) Name() string { return "codex" }

func (p *CodexProvider) IsAvailable() bool {
	_, err := exec.LookPath(p.binary)
	return err == nil
}

func (p *CodexProvider) BuildHeadlessArgs(opts HeadlessOptions) (string, []string) {
	args := []string{"exec", "--json", "--full-auto"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}
	return p.binary, args
}

func (p *CodexProvider) BuildInteractiveCommand(opts InteractiveOptions) (string, []string) {
	args := []string{}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}
	return p.binary, args
}

func (p *CodexProvider) ParseInitEvent(raw []byte) (string, bool) {
	return parseGenericInit(raw)
}
