package sshcmd

import (
	"errors"
	"testing"
)

func TestParse_Destination(t *testing.T) {
	cmd, err := Parse("ssh deploy@10.0.0.5")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cmd.User != "deploy" || cmd.Host != "10.0.0.5" || cmd.Port != 0 {
		t.Fatalf("Parse() = %+v", cmd)
	}
}

func TestParse_HostOnly(t *testing.T) {
	cmd, err := Parse("ssh bastion.internal -p 2222")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cmd.User != "" || cmd.Host != "bastion.internal" || cmd.Port != 2222 {
		t.Fatalf("Parse() = %+v", cmd)
	}
}

func TestParse_NotSSH(t *testing.T) {
	if _, err := Parse("scp file host:"); !errors.Is(err, ErrNotSSHCommand) {
		t.Fatalf("Parse() error = %v, want ErrNotSSHCommand", err)
	}
	if _, err := Parse(""); !errors.Is(err, ErrNotSSHCommand) {
		t.Fatalf("Parse(empty) error = %v, want ErrNotSSHCommand", err)
	}
}

func TestParse_Forwards(t *testing.T) {
	cmd, err := Parse("ssh u@10.0.0.5 -L 127.0.0.1:7000:10.0.0.9:80 -R 8022:127.0.0.1:22 -D 1080")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(cmd.LocalForwards) != 1 {
		t.Fatalf("LocalForwards = %+v", cmd.LocalForwards)
	}
	lf := cmd.LocalForwards[0]
	if lf.BindHost != "127.0.0.1" || lf.BindPort != 7000 || lf.TargetHost != "10.0.0.9" || lf.TargetPort != 80 {
		t.Fatalf("local forward = %+v", lf)
	}
	if len(cmd.RemoteForwards) != 1 {
		t.Fatalf("RemoteForwards = %+v", cmd.RemoteForwards)
	}
	rf := cmd.RemoteForwards[0]
	if rf.BindHost != "127.0.0.1" || rf.BindPort != 8022 || rf.TargetHost != "127.0.0.1" || rf.TargetPort != 22 {
		t.Fatalf("remote forward = %+v", rf)
	}
	if len(cmd.DynamicForwards) != 1 {
		t.Fatalf("DynamicForwards = %+v", cmd.DynamicForwards)
	}
	df := cmd.DynamicForwards[0]
	if df.BindHost != "127.0.0.1" || df.BindPort != 1080 {
		t.Fatalf("dynamic forward = %+v", df)
	}
}

func TestParse_ForwardDefaultsBind(t *testing.T) {
	cmd, err := Parse("ssh u@h -L 7000:target:80")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cmd.LocalForwards[0].BindHost != "127.0.0.1" {
		t.Fatalf("bind host = %q, want 127.0.0.1", cmd.LocalForwards[0].BindHost)
	}
}

func TestParse_IPv6ForwardSpec(t *testing.T) {
	cmd, err := Parse("ssh u@h -L [::1]:7000:10.0.0.9:80")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	lf := cmd.LocalForwards[0]
	if lf.BindHost != "::1" || lf.BindPort != 7000 {
		t.Fatalf("local forward = %+v", lf)
	}
}

func TestParse_IdentityFileWithQuotes(t *testing.T) {
	cmd, err := Parse(`ssh u@h -i "/home/me/my keys/id_ed25519"`)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cmd.IdentityFile != "/home/me/my keys/id_ed25519" {
		t.Fatalf("IdentityFile = %q", cmd.IdentityFile)
	}
}

func TestParse_UnknownFlagsIgnored(t *testing.T) {
	cmd, err := Parse("ssh -A -X u@h -p 2200")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cmd.Host != "h" || cmd.Port != 2200 {
		t.Fatalf("Parse() = %+v", cmd)
	}
	if len(cmd.IgnoredFlags) != 2 {
		t.Fatalf("IgnoredFlags = %v", cmd.IgnoredFlags)
	}
}

func TestParse_IgnoredFlagWithValue(t *testing.T) {
	cmd, err := Parse("ssh -o StrictHostKeyChecking=no deploy@10.0.0.5")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cmd.User != "deploy" || cmd.Host != "10.0.0.5" {
		t.Fatalf("Parse() = %+v, option argument displaced the destination", cmd)
	}
	if len(cmd.IgnoredFlags) != 1 || cmd.IgnoredFlags[0] != "-o" {
		t.Fatalf("IgnoredFlags = %v", cmd.IgnoredFlags)
	}

	// The destination before the option must survive too.
	cmd, err = Parse("ssh deploy@10.0.0.5 -J bastion.internal -4")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cmd.Host != "10.0.0.5" {
		t.Fatalf("Host = %q, want 10.0.0.5", cmd.Host)
	}
	if len(cmd.IgnoredFlags) != 2 {
		t.Fatalf("IgnoredFlags = %v", cmd.IgnoredFlags)
	}
}

func TestParse_InvalidSpecs(t *testing.T) {
	for _, raw := range []string{
		"ssh u@h -p notaport",
		"ssh u@h -p 70000",
		"ssh u@h -L 7000:target",
		"ssh u@h -D",
		"ssh u@h -L 0:target:80",
		`ssh u@h -i "unterminated`,
	} {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("Parse(%q) expected error", raw)
		}
	}
}
