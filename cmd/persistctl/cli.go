package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/opencoff/persist"
)

// version is set by the linker.
var version = "dev"

type cmdCollections struct {
	DB string `arg:"" help:"Database file, relative to the root."`
}

type cmdInsert struct {
	DB         string   `arg:"" help:"Database file, relative to the root."`
	Collection string   `arg:"" help:"Collection name."`
	Docs       []string `arg:"" help:"Documents in extended JSON; inserted all or none."`
}

type cmdFind struct {
	DB         string `arg:"" help:"Database file, relative to the root."`
	Collection string `arg:"" help:"Collection name."`
	Filter     string `arg:"" optional:"" help:"Filter in extended JSON; matches everything when empty."`
	Skip       int64  `default:"-1" help:"Number of matches to skip."`
	Limit      int64  `short:"n" default:"-1" help:"Maximum number of documents to print."`
	Sort       string `short:"s" help:"Sort specification in extended JSON, e.g. '{\"age\":-1}'."`
}

type cmdCount struct {
	DB         string `arg:"" help:"Database file, relative to the root."`
	Collection string `arg:"" help:"Collection name."`
}

type cmdUpdate struct {
	DB         string `arg:"" help:"Database file, relative to the root."`
	Collection string `arg:"" help:"Collection name."`
	Filter     string `arg:"" help:"Filter in extended JSON."`
	Update     string `arg:"" help:"Update operators or replacement document in extended JSON."`
	Many       bool   `short:"m" help:"Update every match instead of the first."`
	Upsert     bool   `short:"u" help:"Insert a document when nothing matches."`
}

type cmdDelete struct {
	DB         string `arg:"" help:"Database file, relative to the root."`
	Collection string `arg:"" help:"Collection name."`
	Filter     string `arg:"" help:"Filter in extended JSON."`
	Many       bool   `short:"m" help:"Delete every match instead of the first."`
}

type cmdLs struct {
	Path string `arg:"" optional:"" default:"." help:"Directory, relative to the root."`
}

type cmdStat struct {
	Path string `arg:"" help:"File or directory, relative to the root."`
}

type cmdBackup struct {
	DB  string `arg:"" help:"Database file, relative to the root."`
	Out string `arg:"" type:"path" help:"Destination file outside the root."`
}

type cmdVersion struct{}

type grammar struct {
	Root    string `short:"r" default:"." type:"path" help:"Root directory all paths are confined to."`
	Verbose bool   `short:"v" help:"Log debug information on stderr."`

	Collections cmdCollections `cmd:"" help:"List the collections of a database."`
	Insert      cmdInsert      `cmd:"" help:"Insert documents into a collection."`
	Find        cmdFind        `cmd:"" help:"Print matching documents, one per line."`
	Count       cmdCount       `cmd:"" help:"Count the documents of a collection."`
	Update      cmdUpdate      `cmd:"" help:"Update matching documents."`
	Delete      cmdDelete      `cmd:"" help:"Delete matching documents."`
	Ls          cmdLs          `cmd:"" help:"List a directory under the root."`
	Stat        cmdStat        `cmd:"" help:"Print the metadata of a path as JSON."`
	Backup      cmdBackup      `cmd:"" help:"Write a consistent copy of a database."`
	Version     cmdVersion     `cmd:"" help:"Show the version."`
}

// CliConfig contains the configuration of the persistctl cli.
type CliConfig struct {
	Name        string
	Description string
	Version     string
	// Exit is called by the parser, e.g. after printing help.
	Exit   func(int)
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NewCliConfig returns a CliConfig wired to the process.
func NewCliConfig() *CliConfig {
	return &CliConfig{
		Name:        "persistctl",
		Description: "Inspect the document databases and files under a root directory.",
		Version:     version,
		Exit:        func(i int) { os.Exit(i) },
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}
}

// Cli parses args and runs the selected subcommand against a context
// rooted at --root. Everything opened is released before it returns.
func Cli(args []string, config *CliConfig) (rc int, err error) {
	var cli grammar

	options := []kong.Option{
		kong.Name(config.Name),
		kong.Description(config.Description),
		kong.Exit(config.Exit),
		kong.Writers(config.Stdout, config.Stderr),
		kong.Vars{
			"version": config.Version,
		},
	}

	parser, err := kong.New(&cli, options...)
	if err != nil {
		return 1, err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		parser.Errorf("%s", err)
		return 1, err
	}

	cmd := strings.Fields(ctx.Command())
	if len(cmd) == 0 {
		return 0, nil
	}
	if cmd[0] == "version" {
		fmt.Fprintf(config.Stdout, "%s %s\n", config.Name, config.Version)
		return 0, nil
	}

	cfg, err := persist.LoadConfig()
	if err != nil {
		return 1, err
	}
	if cli.Verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return 1, err
	}
	log, err := cfg.NewLogger()
	if err != nil {
		return 1, err
	}
	defer log.Sync()

	m := persist.New(cfg, log)
	defer func() {
		if cerr := m.Cleanup(); cerr != nil && err == nil {
			rc, err = 1, cerr
		}
	}()

	c, err := m.OpenContext(config.Name, cli.Root)
	if err != nil {
		return 1, err
	}
	log.Debug("running", zap.String("cmd", ctx.Command()), zap.String("root", cli.Root))

	r := &runner{c: c, out: config.Stdout}
	switch cmd[0] {
	case "collections":
		err = r.collections(&cli.Collections)
	case "insert":
		err = r.insert(&cli.Insert)
	case "find":
		err = r.find(&cli.Find)
	case "count":
		err = r.count(&cli.Count)
	case "update":
		err = r.update(&cli.Update)
	case "delete":
		err = r.delete(&cli.Delete)
	case "ls":
		err = r.ls(&cli.Ls)
	case "stat":
		err = r.stat(&cli.Stat)
	case "backup":
		err = r.backup(&cli.Backup)
	default:
		err = fmt.Errorf("unrecognized command: %s", ctx.Command())
	}
	if err != nil {
		return 1, err
	}
	return 0, nil
}

// runner executes subcommands in one context and prints to out.
type runner struct {
	c   persist.Context
	out io.Writer
}

// database opens the database file rel under its own path as alias.
func (r *runner) database(rel string) (persist.Database, error) {
	return r.c.OpenDatabase(rel, rel)
}

func (r *runner) collection(db, name string) (persist.Collection[persist.Document], error) {
	d, err := r.database(db)
	if err != nil {
		return persist.Collection[persist.Document]{}, err
	}
	return persist.CollectionOf[persist.Document](d, name), nil
}

func (r *runner) collections(c *cmdCollections) error {
	d, err := r.database(c.DB)
	if err != nil {
		return err
	}
	names, err := d.Collections()
	if err != nil {
		return err
	}
	for _, nm := range names {
		fmt.Fprintln(r.out, nm)
	}
	return nil
}

func (r *runner) insert(c *cmdInsert) error {
	col, err := r.collection(c.DB, c.Collection)
	if err != nil {
		return err
	}

	docs := make([]persist.Document, 0, len(c.Docs))
	for _, js := range c.Docs {
		doc, err := persist.ParseDocument([]byte(js))
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}

	ids, err := col.InsertMany(docs)
	if err != nil {
		return err
	}
	for i := range docs {
		fmt.Fprintf(r.out, "%d\t%s\n", i, persist.IDString(ids[i]))
	}
	return nil
}

func (r *runner) find(c *cmdFind) error {
	col, err := r.collection(c.DB, c.Collection)
	if err != nil {
		return err
	}
	filter, err := persist.ParseDocument([]byte(c.Filter))
	if err != nil {
		return err
	}
	sort, err := persist.ParseOrdered([]byte(c.Sort))
	if err != nil {
		return err
	}

	opt := persist.FindOptions{Sort: sort}
	if c.Skip >= 0 {
		opt.Skip = &c.Skip
	}
	if c.Limit >= 0 {
		opt.Limit = &c.Limit
	}

	docs, err := col.Find(filter, opt)
	if err != nil {
		return err
	}
	for _, d := range docs {
		js, err := persist.MarshalDocument(d)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "%s\n", js)
	}
	return nil
}

func (r *runner) count(c *cmdCount) error {
	col, err := r.collection(c.DB, c.Collection)
	if err != nil {
		return err
	}
	n, err := col.CountDocuments()
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, n)
	return nil
}

func (r *runner) update(c *cmdUpdate) error {
	col, err := r.collection(c.DB, c.Collection)
	if err != nil {
		return err
	}
	filter, err := persist.ParseDocument([]byte(c.Filter))
	if err != nil {
		return err
	}
	upd, err := persist.ParseDocument([]byte(c.Update))
	if err != nil {
		return err
	}

	opt := persist.UpdateOptions{Upsert: c.Upsert}
	var res persist.UpdateResult
	if c.Many {
		res, err = col.UpdateMany(filter, upd, opt)
	} else {
		res, err = col.UpdateOne(filter, upd, opt)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "matched %d modified %d\n", res.Matched, res.Modified)
	return nil
}

func (r *runner) delete(c *cmdDelete) error {
	col, err := r.collection(c.DB, c.Collection)
	if err != nil {
		return err
	}
	filter, err := persist.ParseDocument([]byte(c.Filter))
	if err != nil {
		return err
	}

	var res persist.DeleteResult
	if c.Many {
		res, err = col.DeleteMany(filter)
	} else {
		res, err = col.DeleteOne(filter)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "deleted %d\n", res.Deleted)
	return nil
}

func (r *runner) ls(c *cmdLs) error {
	ents, err := r.c.ListDirectory(c.Path)
	if err != nil {
		return err
	}
	for _, e := range ents {
		fmt.Fprintf(r.out, "%s\t%s\n", e.MediaType, e.FileName)
	}
	return nil
}

func (r *runner) stat(c *cmdStat) error {
	md, err := r.c.FileMetadata(c.Path)
	if err != nil {
		return err
	}
	js, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s\n", js)
	return nil
}

func (r *runner) backup(c *cmdBackup) error {
	d, err := r.database(c.DB)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(c.Out, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	n, err := d.Backup(f)
	if err != nil {
		f.Close()
		os.Remove(c.Out)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "wrote %d bytes to %s\n", n, c.Out)
	return nil
}
