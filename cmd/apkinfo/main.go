// Command apkinfo is a thin CLI front-end over the apkinfo library: it
// exposes the same queries as subcommands, plus a completion generator.
// The CLI is out of core scope (§6); it exists to exercise the library the
// way a human would from a terminal.
package main

import (
	"encoding/xml"
	"flag"
	"fmt"
	"os"

	"github.com/delvinru/apk-info"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: apkinfo <command> <apk> [args...]

commands:
  info <apk>            print package name, version, sdk range, label, icon,
                        multidex, main activities, permissions
  dump <apk>             dump AndroidManifest.xml as XML
  sigs <apk>              print certificate fingerprints for every signer
  completion {bash|fish|zsh}   print a shell completion script
`)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "info":
		err = runInfo(args[1:])
	case "dump":
		err = runDump(args[1:])
	case "sigs":
		err = runSigs(args[1:])
	case "completion":
		err = runCompletion(args[1:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "apkinfo: %s\n", err)
		os.Exit(1)
	}
}

func open(args []string) (*apkinfo.APK, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("missing apk path")
	}
	return apkinfo.Open(args[0])
}

func runInfo(args []string) error {
	a, err := open(args)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("package:     %s\n", a.PackageName())
	fmt.Printf("versionName: %s\n", a.VersionName())
	fmt.Printf("versionCode: %s\n", a.VersionCode())
	fmt.Printf("minSdk:      %s\n", a.MinSdkVersion())
	fmt.Printf("targetSdk:   %s\n", a.TargetSdkVersion())
	fmt.Printf("label:       %s\n", a.ApplicationLabel())
	fmt.Printf("icon:        %s\n", a.ApplicationIcon())
	fmt.Printf("multidex:    %v\n", a.IsMultidex())

	if mains := a.MainActivities(); len(mains) > 0 {
		fmt.Println("mainActivities:")
		for _, m := range mains {
			fmt.Printf("  %s\n", m)
		}
	}

	if perms := a.Permissions(); len(perms) > 0 {
		fmt.Println("permissions:")
		for _, p := range perms {
			fmt.Printf("  %s\n", p)
		}
	}

	return nil
}

func runDump(args []string) error {
	a, err := open(args)
	if err != nil {
		return err
	}
	defer a.Close()

	data, err := a.Read("AndroidManifest.xml")
	if err != nil {
		return err
	}
	doc, err := apkinfo.DecodeXMLBytes(data)
	if err != nil {
		return err
	}

	enc := xml.NewEncoder(os.Stdout)
	enc.Indent("", "  ")
	if err := doc.EncodeTo(enc); err != nil {
		return err
	}
	fmt.Println()
	return nil
}

func runSigs(args []string) error {
	a, err := open(args)
	if err != nil {
		return err
	}
	defer a.Close()

	sigs, err := a.GetSignatures()
	if err != nil {
		return err
	}
	for _, s := range sigs {
		fmt.Printf("%s:\n", s.Scheme)
		for _, c := range s.Certs {
			fmt.Printf("  subject: %s\n", c.Subject)
			fmt.Printf("  sha256:  %s\n", c.Sha256)
		}
	}
	return nil
}

func runCompletion(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: apkinfo completion {bash|fish|zsh}")
	}
	switch args[0] {
	case "bash":
		fmt.Println(`complete -W "info dump sigs completion" apkinfo`)
	case "fish":
		fmt.Println(`complete -c apkinfo -a "info dump sigs completion"`)
	case "zsh":
		fmt.Println(`compdef '_arguments "1: :(info dump sigs completion)"' apkinfo`)
	default:
		return fmt.Errorf("unknown shell %q", args[0])
	}
	return nil
}
