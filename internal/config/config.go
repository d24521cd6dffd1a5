// Package config loads the INI configuration files both binaries take via
// -C/--config-file. Values not present fall back to the documented defaults;
// validation failures are fatal at startup.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"gopkg.in/ini.v1"
)

// Device is the edge-side configuration.
type Device struct {
	ControllerIP   string
	ControllerPort int

	SnifferFilePath       string
	SnifferFileName       string
	SnifferQueueSize      int
	SnifferInterface      string
	SnifferInterfaceAll   bool
	SnifferUploadInterval time.Duration

	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration

	CachePath    string
	CacheMaxSize int

	LogPath string

	IsSava bool
}

// Controller is the central-side configuration.
type Controller struct {
	ControllerIP   string
	ControllerPort int

	SnifferName   string
	ReadinfoPath  string
	WriteinfoPath string
	TaskTime      time.Duration
	Encoding      string

	Threshold int

	DBPath string

	LogPath string
}

// LoadDevice parses and validates a device configuration file.
func LoadDevice(path string) (*Device, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	c := &Device{
		ControllerIP:          f.Section("controller").Key("controller_ip").String(),
		ControllerPort:        f.Section("controller").Key("controller_port").MustInt(0),
		SnifferFilePath:       f.Section("monitor").Key("sniffer_file_path").String(),
		SnifferFileName:       f.Section("monitor").Key("sniffer_file_name").MustString("sniffer.csv"),
		SnifferQueueSize:      f.Section("monitor").Key("sniffer_queue_size").MustInt(100),
		SnifferInterface:      f.Section("monitor").Key("sniffer_interface").String(),
		SnifferInterfaceAll:   f.Section("monitor").Key("sniffer_interface_config").MustInt(0) == 0,
		SnifferUploadInterval: seconds(f.Section("monitor").Key("sniffer_upload_interval").MustInt(30)),
		HeartbeatInterval:     seconds(f.Section("connection").Key("heartbeat_interval").MustInt(60)),
		ReconnectInterval:     seconds(f.Section("connection").Key("reconnect_interval").MustInt(5)),
		CachePath:             f.Section("rule").Key("cache_path").String(),
		CacheMaxSize:          f.Section("rule").Key("cache_max_size").MustInt(1024),
		LogPath:               f.Section("log").Key("log_path").String(),
		IsSava:                f.Section("sava").Key("is_sava").MustBool(false),
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadController parses and validates a controller configuration file.
func LoadController(path string) (*Controller, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	c := &Controller{
		ControllerIP:   f.Section("controller").Key("controller_ip").String(),
		ControllerPort: f.Section("controller").Key("controller_port").MustInt(0),
		SnifferName:    f.Section("sniffer").Key("name").MustString("sniffer_data.csv"),
		ReadinfoPath:   f.Section("sniffer").Key("readinfo_path").String(),
		WriteinfoPath:  f.Section("sniffer").Key("writeinfo_path").String(),
		TaskTime:       seconds(f.Section("sniffer").Key("task_time").MustInt(60)),
		Encoding:       f.Section("sniffer").Key("encoding").MustString("utf-8-sig"),
		Threshold:      f.Section("ddos").Key("threshold").MustInt(0),
		DBPath:         f.Section("database").Key("db_path").String(),
		LogPath:        f.Section("log").Key("log_path").String(),
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Addr is the dial endpoint for the device.
func (c *Device) Addr() string {
	return net.JoinHostPort(c.ControllerIP, strconv.Itoa(c.ControllerPort))
}

// Addr is the bind endpoint for the controller.
func (c *Controller) Addr() string {
	return net.JoinHostPort(c.ControllerIP, strconv.Itoa(c.ControllerPort))
}

func (c *Device) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.ControllerIP == "" {
		return errors.New("controller.controller_ip is required")
	}
	if c.ControllerPort <= 0 || c.ControllerPort > 65535 {
		return fmt.Errorf("controller.controller_port out of range: %d", c.ControllerPort)
	}
	if c.IsSava && c.SnifferFilePath == "" {
		return errors.New("monitor.sniffer_file_path is required in sava mode")
	}
	if c.SnifferQueueSize <= 0 {
		return fmt.Errorf("monitor.sniffer_queue_size must be > 0 (got %d)", c.SnifferQueueSize)
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("connection.heartbeat_interval must be > 0")
	}
	if c.ReconnectInterval <= 0 {
		return errors.New("connection.reconnect_interval must be > 0")
	}
	if c.CacheMaxSize < 0 {
		return fmt.Errorf("rule.cache_max_size must be >= 0 (got %d)", c.CacheMaxSize)
	}
	return nil
}

func (c *Controller) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.ControllerPort <= 0 || c.ControllerPort > 65535 {
		return fmt.Errorf("controller.controller_port out of range: %d", c.ControllerPort)
	}
	if c.ReadinfoPath == "" || c.WriteinfoPath == "" {
		return errors.New("sniffer.readinfo_path and sniffer.writeinfo_path are required")
	}
	if c.Threshold <= 0 {
		return fmt.Errorf("ddos.threshold must be > 0 (got %d)", c.Threshold)
	}
	if c.DBPath == "" {
		return errors.New("database.db_path is required")
	}
	if c.TaskTime <= 0 {
		return errors.New("sniffer.task_time must be > 0")
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
