package protocol

// Seeded grammar for the namespaces whose behaviour is known. Everything
// not listed here goes through the synthesize heuristics on first lookup.
// Keys are stated only where they differ from the name slug.

// Query literals shared by fixed shape entries. The empty list asks the
// device for every channel at once.
var queryAllChannels = []any{}

// extraDataList marks the LatestX/HistoryX item layout, which wants an
// empty data list next to the channel index.
var extraDataList = map[string]any{KeyData: []any{}}

func pd(period, cloud, base, item int, s Strategy) PollingDefaults {
	return PollingDefaults{Period: period, CloudPeriod: cloud, BaseSize: base, ItemSize: item, Strategy: s}
}

var stdGrammar = []Namespace{
	// Appliance.System
	{Name: NSSystemAbility, Get: true},
	{Name: NSSystemAll, Get: true, Polling: pd(PollPeriodHeartbeat, 0, 1000, 0, StrategyAll)},
	{Name: NSSystemClock, Push: true, PushQuery: true, NoGet: true},
	{Name: NSSystemDebug, Get: true, Polling: pd(0, 0, 1900, 0, StrategyNone)},
	{Name: NSSystemDNDMode, Key: "DNDMode", Get: true, Polling: pd(PollPeriodConfig, PollPeriodCloud, 320, 0, StrategyLazy)},
	{Name: "Appliance.System.Factory", Get: true},
	{Name: NSSystemFirmware, Get: true},
	{Name: NSSystemHardware, Get: true},
	{Name: NSSystemOnline, Get: true, Push: true},
	{Name: NSSystemPosition, Get: true},
	{Name: NSSystemReport, Push: true, NoGet: true},
	{Name: NSSystemRuntime, Get: true, Polling: pd(PollPeriodSensorSlow, PollPeriodCloud, 330, 0, StrategyLazy)},
	{Name: NSSystemTime, Get: true, Push: true},

	// Appliance.Config
	{Name: "Appliance.Config.DeviceCfg", Key: "config", Get: true, Set: true, Push: true, Shape: RequestChannelList},
	{Name: NSConfigInfo, Push: true, PushQuery: true, NoGet: true},
	{Name: NSConfigKey, Set: true, NoGet: true},
	{Name: "Appliance.Config.Matter", Key: "config", Push: true, PushQuery: true, NoGet: true},
	{Name: "Appliance.Config.NtpSite", NoGet: true},
	{Name: "Appliance.Config.OverTemp", Get: true, Polling: pd(PollPeriodConfig, PollPeriodCloud, 340, 0, StrategyLazy)},
	{Name: NSConfigTrace, NoGet: true},
	{Name: "Appliance.Config.Wifi", NoGet: true},
	{Name: "Appliance.Config.WifiList", NoGet: true},
	{Name: "Appliance.Config.WifiX", NoGet: true},
	{Name: "Appliance.Config.Sensor.Association", Key: "config", Get: true, Set: true, Push: true, PushQuery: true, Sensor: true, Shape: RequestChannelList},

	// Appliance.Control
	{Name: "Appliance.Control.AlertConfig", Key: "config", Get: true, Set: true, Push: true, PushQuery: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.AlertReport", Key: "report", Get: true, Set: true, Shape: RequestChannelList},
	{Name: NSControlBind, NoGet: true},
	{Name: "Appliance.Control.ChangeWiFi", NoGet: true},
	{Name: "Appliance.Control.ConsumptionConfig", Key: "config", Get: true},
	{Name: "Appliance.Control.ConsumptionH", Get: true, Shape: RequestChannelList, Polling: pd(PollPeriodEnergy, PollPeriodEnergyCloud, 320, 900, StrategySmart)},
	{Name: "Appliance.Control.ConsumptionX", Get: true, Push: true, Shape: RequestFixedValue, Fixed: queryAllChannels, Polling: pd(PollPeriodEnergy, PollPeriodEnergyCloud, 320, 53, StrategySmart)},
	{Name: "Appliance.Control.Diffuser.Light", Get: true, Set: true, Push: true},
	{Name: "Appliance.Control.Diffuser.Sensor", Get: true, Push: true, Polling: pd(PollPeriodSensorSlow, PollPeriodSensorSlowCloud, HeaderSizeEstimate, 100, StrategyLazy)},
	{Name: "Appliance.Control.Diffuser.Spray", Get: true, Set: true, Push: true},
	{Name: "Appliance.Control.Electricity", Get: true, Push: true, Polling: pd(PollPeriodSensorFast, PollPeriodSensorFastCloud, 430, 0, StrategySmart)},
	{Name: "Appliance.Control.ElectricityX", Key: "electricity", Get: true, Push: true, Shape: RequestChannelList, Grammar: GrammarExperimental, Polling: pd(PollPeriodSensorFast, PollPeriodSensorFastCloud, HeaderSizeEstimate, 100, StrategySmart)},
	{Name: "Appliance.Control.Fan", Get: true, Set: true, Shape: RequestChannelList, Polling: pd(0, PollPeriodCloud, HeaderSizeEstimate, 20, StrategyNone)},
	{Name: "Appliance.Control.Fan.BtnConfig", Key: "fan", Get: true, Set: true, Push: true, PushQuery: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Fan.Config", Key: "fan", Get: true, Set: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.FilterMaintenance", Key: "filter", Push: true, PushQuery: true, NoGet: true, Shape: RequestFixedValue, Fixed: queryAllChannels, Polling: pd(PollPeriodCloud, PollPeriodCloud, HeaderSizeEstimate, 35, StrategySmart)},
	{Name: "Appliance.Control.Light", Get: true, Set: true, Push: true},
	{Name: "Appliance.Control.Light.Effect", Get: true, Set: true, Shape: RequestFixedValue, Fixed: queryAllChannels, Polling: pd(PollPeriodConfig, PollPeriodCloud, 1850, 0, StrategyLazy)},
	{Name: "Appliance.Control.McuUpgrade", NoGet: true},
	{Name: "Appliance.Control.Mp3", Get: true, Set: true, Push: true, Polling: pd(0, 0, 380, 0, StrategyDefault)},
	{Name: NSControlMultiple, Set: true, NoGet: true},
	{Name: "Appliance.Control.OverTemp", Get: true, Shape: RequestFixedValue, Fixed: queryAllChannels},
	{Name: "Appliance.Control.PhysicalLock", Key: "lock", Set: true, Push: true, PushQuery: true, NoGet: true, Shape: RequestFixedValue, Fixed: queryAllChannels, Polling: pd(PollPeriodConfig, PollPeriodCloud, HeaderSizeEstimate, 35, StrategyLazy)},
	{Name: "Appliance.Control.Presence.Config", Get: true, Shape: RequestChannelList, Polling: pd(PollPeriodConfig, PollPeriodCloud, HeaderSizeEstimate, 260, StrategyLazy)},
	{Name: "Appliance.Control.Presence.Study", Key: "config", Push: true, PushQuery: true, NoGet: true, Shape: RequestFixedValue, Fixed: queryAllChannels},
	{Name: "Appliance.Control.Screen.Brightness", Get: true, Set: true, Push: true, Shape: RequestChannelList, Polling: pd(PollPeriodConfig, PollPeriodCloud, HeaderSizeEstimate, 70, StrategyLazy)},
	{Name: "Appliance.Control.Sensor.Association", Key: "control", Get: true, Sensor: true, Shape: RequestFixedValue, Fixed: queryAllChannels},
	{Name: "Appliance.Control.Sensor.History", Get: true, Sensor: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Sensor.Latest", Get: true, Push: true, Sensor: true, Shape: RequestChannelList, Polling: pd(PollPeriodSensorSlow, PollPeriodSensorSlowCloud, HeaderSizeEstimate, 80, StrategyLazy)},
	{Name: "Appliance.Control.Sensor.HistoryX", Key: "history", Get: true, Sensor: true, Shape: RequestChannelList, ChannelExtra: extraDataList},
	{Name: "Appliance.Control.Sensor.LatestX", Key: "latest", Get: true, Push: true, Sensor: true, Shape: RequestChannelList, ChannelExtra: extraDataList, Polling: pd(PollPeriodSensorSlow, PollPeriodCloud, HeaderSizeEstimate, 220, StrategyLazy)},
	{Name: "Appliance.Control.Spray", Get: true, Set: true, Push: true},
	{Name: "Appliance.Control.TempUnit", Get: true, Set: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Timer", Get: true, Shape: RequestFixedValue, Fixed: queryAllChannels},
	{Name: "Appliance.Control.TimerX", NoGet: true},
	{Name: NSControlToggle, Get: true, Set: true, Push: true},
	{Name: NSControlToggleX, Get: true, Set: true, Push: true},
	{Name: "Appliance.Control.Trigger", Get: true, Set: true, Push: true},
	{Name: "Appliance.Control.TriggerX", Get: true, Set: true, Push: true},
	{Name: NSControlUnbind, Push: true, PushQuery: true, NoGet: true},
	{Name: "Appliance.Control.Upgrade", NoGet: true},
	{Name: "Appliance.Control.Weather", NoGet: true},

	// Appliance.Control.Thermostat: everything is channel listed
	{Name: "Appliance.Control.Thermostat.Alarm", Get: true, Push: true, Thermostat: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Thermostat.AlarmConfig", Get: true, Set: true, Thermostat: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Thermostat.Calibration", Get: true, Set: true, Thermostat: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Thermostat.CompressorDelay", Key: "delay", Get: true, Set: true, Thermostat: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Thermostat.CtlRange", Get: true, Set: true, Thermostat: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Thermostat.DeadZone", Get: true, Set: true, Thermostat: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Thermostat.Frost", Get: true, Set: true, Thermostat: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Thermostat.HoldAction", Get: true, Set: true, Push: true, Thermostat: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Thermostat.Mode", Get: true, Set: true, Push: true, Thermostat: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Thermostat.ModeB", Get: true, Set: true, Push: true, Thermostat: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Thermostat.ModeC", Key: "control", Get: true, Set: true, Push: true, Thermostat: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Thermostat.Overheat", Get: true, Set: true, Push: true, Thermostat: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Thermostat.Schedule", Get: true, Set: true, Push: true, Thermostat: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Thermostat.ScheduleB", Get: true, Set: true, Push: true, Thermostat: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Thermostat.Sensor", Get: true, Push: true, Thermostat: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Thermostat.SummerMode", Get: true, Set: true, Push: true, Thermostat: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Thermostat.System", Key: "control", Get: true, Set: true, Push: true, PushQuery: true, Thermostat: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Thermostat.Timer", Get: true, Set: true, Push: true, Thermostat: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Thermostat.WindowOpened", Get: true, Push: true, Thermostat: true, Shape: RequestChannelList},

	// Appliance.Digest
	{Name: "Appliance.Digest.TimerX", Key: KeyDigest, NoGet: true},
	{Name: "Appliance.Digest.TriggerX", Key: KeyDigest, NoGet: true},

	// Appliance.Encrypt
	{Name: NSEncryptSuite, NoGet: true},
	{Name: NSEncryptECDHE, NoGet: true},

	// Appliance.GarageDoor
	{Name: "Appliance.GarageDoor.Config", Get: true, Set: true, Polling: pd(PollPeriodConfig, PollPeriodCloud, 410, 0, StrategyLazy)},
	{Name: "Appliance.GarageDoor.MultipleConfig", Key: "config", Get: true, Set: true, Shape: RequestChannelList, Polling: pd(PollPeriodConfig, PollPeriodCloud, HeaderSizeEstimate, 140, StrategyLazy)},
	{Name: "Appliance.GarageDoor.State", Get: true, Set: true, Push: true, Grammar: GrammarExperimental},

	// Appliance.RollerShutter: whole list queries
	{Name: "Appliance.RollerShutter.Adjust", Push: true, PushQuery: true, NoGet: true, Shape: RequestFixedValue, Fixed: queryAllChannels, Polling: pd(PollPeriodConfig, PollPeriodCloud, HeaderSizeEstimate, 35, StrategyLazy)},
	{Name: "Appliance.RollerShutter.Config", Get: true, Set: true, Shape: RequestFixedValue, Fixed: queryAllChannels, Polling: pd(PollPeriodConfig, PollPeriodCloud, HeaderSizeEstimate, 70, StrategyLazy)},
	{Name: "Appliance.RollerShutter.Position", Get: true, Set: true, Push: true, Shape: RequestFixedValue, Fixed: queryAllChannels, Polling: pd(0, 0, HeaderSizeEstimate, 50, StrategyDefault)},
	{Name: "Appliance.RollerShutter.State", Get: true, Push: true, Shape: RequestFixedValue, Fixed: queryAllChannels, Polling: pd(0, 0, HeaderSizeEstimate, 40, StrategyDefault)},
}

// hubGrammar overrides apply when the addressed device is a hub. Most of
// it is the Appliance.Hub family, plus a few namespaces that swap their
// channel identity for subdevice ids on hubs.
var hubGrammar = []Namespace{
	{Name: "Appliance.Config.DeviceCfg", Key: "config", Get: true, Set: true, Push: true, HubSub: true, Shape: RequestChannelList},
	{Name: "Appliance.Config.Sensor.Association", Key: "config", Get: true, Set: true, Push: true, Sensor: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Sensor.HistoryX", Key: "history", Get: true, Sensor: true, Shape: RequestChannelList},
	{Name: "Appliance.Control.Sensor.LatestX", Key: "latest", Get: true, Push: true, Sensor: true, Shape: RequestChannelList},
	{Name: NSDigestHub, Get: true, Shape: RequestFixedValue, Fixed: queryAllChannels},

	{Name: NSHubBattery, Get: true, Push: true, Hub: true},
	{Name: "Appliance.Hub.Exception", Get: true, Push: true, Hub: true},
	{Name: NSHubOnline, Get: true, Push: true, Hub: true},
	{Name: "Appliance.Hub.PairSubDev", Get: true, Push: true, Hub: true},
	{Name: "Appliance.Hub.Report", Get: true, Push: true, Hub: true},
	{Name: "Appliance.Hub.Sensitivity", Get: true, Push: true, Hub: true},
	{Name: NSHubSubdeviceList, Get: true, Push: true, Hub: true},
	{Name: NSHubToggleX, Get: true, Set: true, Push: true, Hub: true},

	{Name: "Appliance.Hub.Mts100.Adjust", Get: true, Set: true, Hub: true},
	{Name: NSHubMts100All, Get: true, Hub: true},
	{Name: "Appliance.Hub.Mts100.Mode", Get: true, Set: true, Push: true, Hub: true},
	{Name: "Appliance.Hub.Mts100.Schedule", Get: true, Set: true, Push: true, Hub: true},
	{Name: "Appliance.Hub.Mts100.ScheduleB", Key: "schedule", Get: true, Set: true, Push: true, Hub: true},
	{Name: "Appliance.Hub.Mts100.Temperature", Get: true, Set: true, Push: true, Hub: true},
	{Name: "Appliance.Hub.Mts100.TimeSync", Get: true, Push: true, Hub: true},
	{Name: "Appliance.Hub.Mts100.SuperCtl", Get: true, Push: true, Hub: true},

	{Name: "Appliance.Hub.Sensor.Adjust", Get: true, Set: true, Hub: true},
	{Name: "Appliance.Hub.Sensor.Alert", Get: true, Push: true, Hub: true},
	{Name: NSHubSensorAll, Get: true, Hub: true},
	{Name: "Appliance.Hub.Sensor.DoorWindow", Get: true, Push: true, Hub: true},
	{Name: "Appliance.Hub.Sensor.Latest", Get: true, Push: true, Hub: true},
	{Name: "Appliance.Hub.Sensor.Motion", Get: true, Push: true, Hub: true},
	{Name: "Appliance.Hub.Sensor.Smoke", Key: "smokeAlarm", Get: true, Push: true, Hub: true},
	{Name: "Appliance.Hub.Sensor.TempHum", Get: true, Push: true, Hub: true},
	{Name: "Appliance.Hub.Sensor.WaterLeak", Get: true, Push: true, Hub: true},

	{Name: "Appliance.Hub.SubDevice.Beep", Get: true, Push: true, Hub: true},
	{Name: "Appliance.Hub.SubDevice.MotorAdjust", Key: "adjust", Get: true, Push: true, Hub: true},
	{Name: "Appliance.Hub.SubDevice.Version", Get: true, Push: true, Hub: true},
}
