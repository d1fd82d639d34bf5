package carnet

import (
	"encoding/json"
	"strconv"
)

// 远端服务标识
const (
	ServiceLockUnlock          = "rlu_v1"
	ServiceClimatisation       = "rclima_v1"
	ServiceHeating             = "rheating_v1"
	ServiceHonkFlash           = "rhonk_v1"
	ServiceBatteryCharge       = "rbatterycharge_v1"
	ServiceVehicleStatusReport = "statusreport_v1"
)

// 远端操作标识
const (
	ActionLock                        = "LOCK"
	ActionUnlock                      = "UNLOCK"
	ActionClimatisationStart          = "P_START_CLIMA_EL"
	ActionClimatisationStartAuxOrAuto = "P_START_CLIMA_AU"
	ActionClimatisationStop           = "P_QSTOP_CLIMA"
	ActionHeatingStart                = "P_QSACT"
	ActionHeatingStop                 = "P_QSTOPACT"
	ActionHonkFlash                   = "HONK_AND_FLASH"
	ActionFlash                       = "FLASH_ONLY"
	ActionChargeStart                 = "START"
	ActionChargeStop                  = "STOP"
	ActionStatusRefresh               = "status"
)

// tokenResponse token 端点的响应
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// 动作受理响应，各服务信封不同，字段择一出现
type actionResponse struct {
	RLUActionResponse *struct {
		RequestID string `json:"requestId"`
		VIN       string `json:"vin"`
	} `json:"rluActionResponse"`

	Action *struct {
		Type        string `json:"type"`
		ActionID    string `json:"actionId"`
		ActionState string `json:"actionState"`
	} `json:"action"`

	PerformActionResponse *struct {
		RequestID string `json:"requestId"`
		VIN       string `json:"vin"`
	} `json:"performActionResponse"`

	CurrentVehicleDataResponse *struct {
		RequestID string `json:"requestId"`
		VIN       string `json:"vin"`
	} `json:"CurrentVehicleDataResponse"`
}

// Honk&Flash 用自己的信封格式
type honkFlashResponse struct {
	HonkAndFlashRequest *struct {
		ID     json.Number `json:"id"`
		Status *struct {
			StatusCode string `json:"statusCode"`
		} `json:"status"`
	} `json:"honkAndFlashRequest"`
}

// 轮询状态响应，三种形态择一出现
type requestStatusResponse struct {
	RequestStatusResponse *struct {
		VIN    string `json:"vin"`
		Status string `json:"status"`
		Error  *int   `json:"error"`
	} `json:"requestStatusResponse"`

	Action *struct {
		Type        string `json:"type"`
		ActionID    string `json:"actionId"`
		ActionState string `json:"actionState"`
		ErrorCode   *int   `json:"errorCode"`
	} `json:"action"`

	Status *struct {
		StatusCode string `json:"statusCode"`
	} `json:"status"`
}

// S-PIN 挑战响应
type securityPinAuthInfo struct {
	SecurityPinAuthInfo struct {
		SecurityToken           string `json:"securityToken"`
		SecurityPinTransmission struct {
			Challenge      string `json:"challenge"`
			RemainingTries *int   `json:"remainingTries"`
		} `json:"securityPinTransmission"`
	} `json:"securityPinAuthInfo"`
}

// S-PIN 挑战应答后的提权令牌
type securityTokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// VehicleList 账号下的车辆清单
type VehicleList struct {
	UserVehicles struct {
		Vehicle []string `json:"vehicle"`
	} `json:"userVehicles"`
}

// VehicleStatus 车辆状态数据点
type VehicleStatus struct {
	StoredVehicleDataResponse struct {
		VIN         string `json:"vin"`
		VehicleData struct {
			Data []struct {
				ID     string `json:"id"`
				Fields []struct {
					ID    string `json:"id"`
					Value string `json:"value"`
					Unit  string `json:"unit"`
				} `json:"field"`
			} `json:"data"`
		} `json:"vehicleData"`
	} `json:"StoredVehicleDataResponse"`
}

// 状态数据网格里的字段编号，沿用厂商的十六进制命名
const (
	FieldMileage       = "0x0101010002"
	FieldParkingBrake  = "0x0301030001"
	FieldStateOfCharge = "0x0301030002"
	FieldPrimaryRange  = "0x0301030005"
	FieldDoorLockFront = "0x0301040001"
)

// FieldValue 在全部数据组里查找指定编号的字段值
func (s *VehicleStatus) FieldValue(fieldID string) (string, bool) {
	for _, group := range s.StoredVehicleDataResponse.VehicleData.Data {
		for _, f := range group.Fields {
			if f.ID == fieldID {
				return f.Value, true
			}
		}
	}
	return "", false
}

// FieldFloat 数值字段；缺失或不可解析时返回 false
func (s *VehicleStatus) FieldFloat(fieldID string) (float64, bool) {
	v, ok := s.FieldValue(fieldID)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Position 车辆位置
type Position struct {
	FindCarResponse struct {
		CarPosition struct {
			CarCoordinate    Coordinate `json:"carCoordinate"`
			TimestampCarSent string     `json:"timestampCarSent"`
		} `json:"Position"`
		ParkingTimeUTC string `json:"parkingTimeUTC"`
	} `json:"findCarResponse"`
}

// Coordinate 坐标，单位为百万分之一度
type Coordinate struct {
	Latitude  int `json:"latitude"`
	Longitude int `json:"longitude"`
}

// LatitudeDeg 纬度（度）
func (c Coordinate) LatitudeDeg() float64 { return float64(c.Latitude) / 1000000.0 }

// LongitudeDeg 经度（度）
func (c Coordinate) LongitudeDeg() float64 { return float64(c.Longitude) / 1000000.0 }

// ChargerStatus 充电器状态
type ChargerStatus struct {
	Charger struct {
		Status struct {
			BatteryStatusData struct {
				StateOfCharge struct {
					Content int `json:"content"`
				} `json:"stateOfCharge"`
			} `json:"batteryStatusData"`
			ChargingStatusData struct {
				ChargingState struct {
					Content string `json:"content"`
				} `json:"chargingState"`
			} `json:"chargingStatusData"`
		} `json:"status"`
	} `json:"charger"`
}

// ClimaterStatus 空调状态
type ClimaterStatus struct {
	Climater struct {
		Status struct {
			ClimatisationStatusData struct {
				ClimatisationState struct {
					Content string `json:"content"`
				} `json:"climatisationState"`
			} `json:"climatisationStatusData"`
		} `json:"status"`
	} `json:"climater"`
}

// OperationList 账号在该车辆上可用的远端服务清单
type OperationList struct {
	OperationList struct {
		VIN           string        `json:"vin"`
		UserID        string        `json:"userId"`
		Role          string        `json:"role"`
		Status        string        `json:"status"`
		SecurityLevel string        `json:"securityLevel"`
		ServiceInfo   []ServiceInfo `json:"serviceInfo"`
	} `json:"operationList"`
}

// ServiceInfo 单个远端服务的可用性描述
type ServiceInfo struct {
	ServiceID     string `json:"serviceId"`
	ServiceStatus struct {
		Status string `json:"status"`
	} `json:"serviceStatus"`
	LicenseRequired  bool `json:"licenseRequired"`
	CumulatedLicense struct {
		Status string `json:"status"`
	} `json:"cumulatedLicense"`
	Operation []struct {
		ID string `json:"id"`
	} `json:"operation"`
}
